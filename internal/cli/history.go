package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/rdloop/internal/loop"
	"github.com/lucasnoah/rdloop/internal/propose"
)

var historyCmd = &cobra.Command{
	Use:   "history <run-id>",
	Short: "Show every generation of a run",
	Args:  cobra.ExactArgs(1),
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

		hist, err := a.ws.LoadRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd, hist)
		}

		out := cmd.OutOrStdout()
		for _, g := range hist.Generations {
			fmt.Fprintf(out, "── generation %d ──\n", g.Generation)
			if g.Hypothesis != nil {
				fmt.Fprintf(out, "hypothesis: %s\n", oneLine(g.Hypothesis.Content, 100))
			}
			for _, impl := range g.Implementations {
				strategy := "synthesized"
				if impl.RepairStrategy != "" {
					strategy = impl.RepairStrategy + " repair"
				}
				fmt.Fprintf(out, "  %s (%s, %d file(s))\n", impl.ID, strategy, len(impl.Files))
			}
			for _, res := range g.Executions {
				fmt.Fprintf(out, "  %s: %s exit=%d %s\n", res.ID, res.Status, res.ExitCode, res.Duration)
			}
			if fb := g.Feedback; fb != nil {
				fmt.Fprintf(out, "score: %s accepted=%t (%s)\n", propose.FormatScore(fb.Score), fb.Accepted, fb.Decision)
			}
		}
		if st := hist.Latest(); st != nil {
			fmt.Fprintf(out, "state: %s", st.Phase)
			if st.Reason != "" {
				fmt.Fprintf(out, " (%s)", st.Reason)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <run-id> <generation>",
	Short: "Re-evaluate a stored execution and compare with the recorded feedback",
	Long: `Re-evaluate the execution behind a generation's feedback with the run's
recorded acceptance settings and the configured scorer, and report whether the
feedback is identical to the recorded one.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		gen, err := strconv.Atoi(args[1])
		if err != nil || gen < 0 {
			return fmt.Errorf("invalid generation %q", args[1])
		}
		cfg, err := loadConfigOrDefaults()
		if err != nil {
			return err
		}
		a, cleanup, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		lc, err := a.resumeConfig(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		scorer, err := a.scorer(lc)
		if err != nil {
			return err
		}
		res, err := loop.Replay(cmd.Context(), a.ws, lc.Evaluator(a.logger), scorer, args[0], gen)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd, res)
		}
		if res.Identical {
			fmt.Fprintf(cmd.OutOrStdout(), "generation %d: feedback identical (score %s)\n", gen, propose.FormatScore(res.Replayed.Score))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "generation %d: feedback differs (-recorded +replayed):\n%s", gen, res.Diff)
		return errors.New("replayed feedback differs from the record")
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <run-id> <dir>",
	Short: "Write a run's history as a browsable directory tree",
	Args:  cobra.ExactArgs(2),
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

		root, err := a.ws.Export(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %s to %s\n", args[0], root)
		return nil
	},
}

func init() {
	historyCmd.Flags().Bool("json", false, "print the full history as JSON")
	replayCmd.Flags().Bool("json", false, "print the comparison as JSON")
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-3]) + "..."
	}
	return s
}
