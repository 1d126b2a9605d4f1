package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/bootwatch/internal/core/domain"
	"github.com/vietddude/bootwatch/internal/core/phase"
	"github.com/vietddude/bootwatch/internal/infra/flagstore"
	"github.com/vietddude/bootwatch/internal/infra/storage/postgres"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session flags and the most recent boot runs",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of runs to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	store, closer, err := flagstore.Open(cfg.Flags)
	if err != nil {
		slog.Error("Failed to open flag store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = closer.Close()
	}()
	flags := flagstore.NewSafe(store, slog.Default())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "FLAG\tVALUE")
	for _, key := range flagstore.AllKeys {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", key, flags.Value(ctx, key))
	}
	_ = w.Flush()
	fmt.Println()

	if cfg.History.Backend != "postgres" {
		fmt.Println("run history is kept in memory by a running session")
		return
	}

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	repo := postgres.NewRunRepo(db.DB)
	runs, err := repo.ListRuns(ctx, statusLimit)
	if err != nil {
		slog.Error("Failed to list runs", "error", err)
		os.Exit(1)
	}

	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tMODE\tSUCCESS\tERRORS")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%d\n",
			r.ID,
			r.StartedAt.Format(time.RFC3339),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			r.Mode,
			r.Success,
			r.ErrorCount,
		)
	}
	_ = w.Flush()

	if len(runs) == 0 {
		return
	}
	latest, err := repo.GetRun(ctx, runs[0].ID)
	if err != nil {
		slog.Error("Failed to load run", "run_id", runs[0].ID, "error", err)
		os.Exit(1)
	}
	fmt.Printf("\nphases of run %s\n", latest.ID)
	writePhases(os.Stdout, latest.Phases)
}

// writePhases prints one row per phase. The detail column holds the phase
// error, or the status description when there is none.
func writePhases(out io.Writer, phases []domain.PhaseRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "PHASE\tSTATUS\tATTEMPTS\tDURATION\tDETAIL")
	for _, p := range phases {
		detail := p.Error
		if detail == "" {
			detail = phase.StatusDescription(p.Status)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			p.PhaseID,
			p.Status,
			p.Attempts,
			p.Duration.Round(time.Millisecond),
			detail,
		)
	}
	_ = w.Flush()
}
