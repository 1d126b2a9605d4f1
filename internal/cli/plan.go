package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/bootwatch/internal/orchestrator"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the phases in the order a boot would run them",
	Run:   runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	steps := make([]orchestrator.Step, 0, len(cfg.Phases))
	kinds := make(map[string]string, len(cfg.Phases))
	for _, p := range cfg.Phases {
		def, err := p.Definition()
		if err != nil {
			slog.Error("Invalid phase", "phase", p.ID, "error", err)
			os.Exit(1)
		}
		fallback, err := orchestrator.ParseFallback(p.Fallback)
		if err != nil {
			slog.Error("Invalid phase", "phase", p.ID, "error", err)
			os.Exit(1)
		}
		steps = append(steps, orchestrator.Step{Definition: def, Fallback: fallback})
		kinds[p.ID] = p.Body.Kind
	}

	ordered, err := orchestrator.Order(steps)
	if err != nil {
		slog.Error("Invalid phase graph", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "#\tPHASE\tBODY\tCRITICAL\tREQUIRES\tTIMEOUT\tRETRIES\tFALLBACK")
	for i, st := range ordered {
		def := st.Definition
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%s\t%s\t%d\t%s\n",
			i+1,
			def.ID,
			kinds[def.ID],
			def.Critical,
			strings.Join(def.Required, ","),
			def.Timeout,
			def.Retry.MaxRetries,
			st.EffectiveFallback(),
		)
	}
	_ = w.Flush()
}
