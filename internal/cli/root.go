package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/bootwatch/internal/control"
	"github.com/vietddude/bootwatch/internal/core/config"
	"github.com/vietddude/bootwatch/internal/orchestrator"
)

var (
	cfgPath string
	isDebug bool
	once    bool
)

var rootCmd = &cobra.Command{
	Use:   "bootwatch",
	Short: "Bootwatch startup orchestrator",
	Long: `Bootwatch boots an application through a graph of phases, retrying,
degrading or rolling back as failures are classified, and keeps watching
component health afterwards.`,
	Run: runBoot,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the configured phases and keep serving health and recovery endpoints",
	Run:   runBoot,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	runCmd.Flags().BoolVar(&once, "once", false, "exit after the boot instead of serving")
	rootCmd.AddCommand(runCmd)
}

// loadConfig loads .env and the config file, then initializes logging.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.Logging.Level == "debug":
		slogLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		slogLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		slogLevel = slog.LevelError
	}

	if cfg.Logging.Format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})))
	} else {
		stylelog.InitDefault(&tint.Options{
			Level:      slogLevel,
			TimeFormat: time.RFC3339,
		})
	}
	return cfg
}

func runBoot(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("Received signal, shutting down...", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	session, err := control.NewSession(ctx, cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to initialize session", "error", err)
		os.Exit(1)
	}

	session.Start(ctx)
	slog.Info("Session started", "config", cfgPath)

	res, err := session.Boot(ctx)
	if err != nil {
		slog.Error("Boot failed", "error", err)
	}
	if res != nil {
		printResult(res)
	}

	if !once {
		<-ctx.Done()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := session.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
	if once && (res == nil || !res.Success) {
		os.Exit(2)
	}
}

func printResult(res *orchestrator.Result) {
	fmt.Printf("run %s: mode=%s success=%v duration=%s\n",
		res.RunID, res.Mode, res.Success, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	for _, p := range res.Phases {
		line := fmt.Sprintf("  %-20s %-12s attempts=%d %s", p.ID, p.Status, p.Attempts, p.Duration.Round(time.Millisecond))
		if p.Error != "" {
			line += "  " + p.Error
		}
		fmt.Println(line)
	}
	if len(res.RecoveryOptions) > 0 {
		opts := make([]string, len(res.RecoveryOptions))
		for i, a := range res.RecoveryOptions {
			opts[i] = string(a)
		}
		fmt.Printf("recovery options: %s\n", strings.Join(opts, ", "))
	}
	if res.RollbackErr != nil {
		fmt.Printf("rollback failed: %v\n", res.RollbackErr)
	}
}
