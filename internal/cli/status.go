package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/rdloop/internal/loop"
	"github.com/lucasnoah/rdloop/internal/propose"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the latest state of one run or of every run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigOrDefaults()
		if err != nil {
			return err
		}
		a, cleanup, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		format, _ := cmd.Flags().GetString("format")
		var runs []workspace.RunSummary
		if len(args) == 1 {
			st, err := a.ws.LatestState(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			runs = []workspace.RunSummary{{RunID: args[0], State: st}}
		} else {
			runs, err = a.ws.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
		}

		if format == "json" {
			return writeJSON(cmd, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tPHASE\tREASON\tGEN\tLEFT\tBEST\tUPDATED")
		for _, r := range runs {
			st := r.State
			if st == nil {
				fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t-\n", r.RunID)
				continue
			}
			left := "∞"
			if st.IterationsLeft >= 0 {
				left = fmt.Sprint(st.IterationsLeft)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				r.RunID, st.Phase, dash(string(st.Reason)), st.Generation, left,
				bestText(st.Best, st.BestGeneration), st.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func bestText(fb *workspace.Feedback, gen int) string {
	if fb == nil {
		return "-"
	}
	return fmt.Sprintf("%s (gen %d)", propose.FormatScore(fb.Score), gen)
}

// printReport prints the outcome of a stopped run. A run that stopped on an
// error is reported and also returned as the command's error.
func printReport(w io.Writer, rep *loop.Report) error {
	fmt.Fprintf(w, "run %s stopped: %s after %d generation(s)\n", rep.RunID, rep.Reason, rep.Generations)
	if rep.Best != nil {
		fmt.Fprintf(w, "best: %s\n", bestText(rep.Best, rep.BestGeneration))
	}
	if rep.Err != nil {
		return fmt.Errorf("run %s: %w", rep.RunID, rep.Err)
	}
	return nil
}
