package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/infra/flagstore"
	"github.com/vietddude/bootwatch/internal/platform"
	"github.com/vietddude/bootwatch/internal/recovery"
)

var (
	recoverComponent string
	recoverServer    string
)

var recoverCmd = &cobra.Command{
	Use:   "recover [action]",
	Short: "Execute a recovery action (clear-cache, re-register, safe-mode, full-reset, ...)",
	Long: `Execute a recovery action. With --server the action is sent to a running
session; otherwise it is applied directly to the configured flag store and
background worker.`,
	Args: cobra.ExactArgs(1),
	Run:  runRecover,
}

func init() {
	recoverCmd.Flags().StringVar(&recoverComponent, "component", "", "component for restart-component")
	recoverCmd.Flags().StringVar(&recoverServer, "server", "", "base URL of a running session, e.g. http://localhost:8080")
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) {
	action := domain.RecoveryAction(args[0])
	if !action.IsValid() {
		fmt.Printf("Invalid recovery action: %s\n", action)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if recoverServer != "" {
		stylelog.InitDefault()
		if err := postRecovery(ctx, recoverServer, action, recoverComponent); err != nil {
			slog.Error("Recovery request failed", "action", action, "error", err)
			os.Exit(1)
		}
		fmt.Printf("Recovery action %s accepted by %s\n", action, recoverServer)
		return
	}

	cfg := loadConfig()
	store, closer, err := flagstore.Open(cfg.Flags)
	if err != nil {
		slog.Error("Failed to open flag store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = closer.Close()
	}()

	deps := recovery.Deps{Flags: flagstore.NewSafe(store, slog.Default())}
	if cfg.Platform.WorkerURL != "" {
		deps.Worker = platform.NewHTTPWorker(cfg.Platform.WorkerURL)
	}

	if err := recovery.NewRemediator(deps).Execute(ctx, action, recoverComponent); err != nil {
		slog.Error("Recovery action failed", "action", action, "error", err)
		os.Exit(1)
	}
	fmt.Printf("Recovery action %s executed\n", action)
}

func postRecovery(ctx context.Context, server string, action domain.RecoveryAction, component string) error {
	u := strings.TrimRight(server, "/") + "/recovery/" + url.PathEscape(string(action))
	if component != "" {
		u += "?component=" + url.QueryEscape(component)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
