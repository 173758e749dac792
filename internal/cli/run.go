package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/loop"
	"github.com/lucasnoah/rdloop/internal/propose"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new run from the config file",
	Long: `Start a new run. Flags override the matching config values; the resolved
settings are recorded with the run so "rdloop resume" continues with them.

Ctrl-C cancels the run: the in-flight execution is killed and the run stops
with reason cancelled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("iterations") {
			cfg.Run.Iterations, _ = flags.GetInt("iterations")
		}
		if flags.Changed("wall-clock") {
			cfg.Run.WallClock, _ = flags.GetString("wall-clock")
		}
		if flags.Changed("max-repairs") {
			n, _ := flags.GetInt("max-repairs")
			cfg.Run.MaxRepairAttempts = &n
		}
		if flags.Changed("threshold") {
			cfg.Run.AcceptanceThreshold, _ = flags.GetFloat64("threshold")
		}
		if flags.Changed("policy") {
			cfg.Run.RepairExhaustedPolicy, _ = flags.GetString("policy")
		}
		if err := validConfig(cfg); err != nil {
			return err
		}
		lc, err := cfg.LoopConfig()
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		a, cleanup, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		serveMetrics(ctx, cmd, a)

		runID, _ := flags.GetString("run-id")
		if runID == "" {
			runID = uuid.NewString()
		}
		c, err := a.controllerFor(lc, progressWriter(cmd))
		if err != nil {
			return err
		}
		rep, err := c.Start(ctx, runID)
		if err != nil {
			return err
		}
		return printReport(cmd.OutOrStdout(), rep)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Continue a run from its latest recorded state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigOrDefaults()
		if err != nil {
			return err
		}
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		a, cleanup, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		serveMetrics(ctx, cmd, a)

		lc, err := a.resumeConfig(ctx, args[0])
		if err != nil {
			return err
		}
		c, err := a.controllerFor(lc, progressWriter(cmd))
		if err != nil {
			return err
		}
		rep, err := c.Resume(ctx, args[0])
		if err != nil {
			return err
		}
		return printReport(cmd.OutOrStdout(), rep)
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run several independent runs in parallel",
	Long: `Start --runs independent runs of the configured problem on --workers
parallel workers (default pool.workers). With --resume, the given run ids are
resumed instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := validConfig(cfg); err != nil {
			return err
		}
		lc, err := cfg.LoopConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		n, _ := flags.GetInt("runs")
		workers, _ := flags.GetInt("workers")
		if workers <= 0 {
			workers = cfg.Pool.Workers
		}
		prefix, _ := flags.GetString("prefix")
		resume, _ := flags.GetBool("resume")

		var jobs []loop.Job
		if resume {
			for _, id := range args {
				jobs = append(jobs, loop.Job{RunID: id, Resume: true})
			}
		} else {
			if prefix == "" {
				prefix = uuid.NewString()[:8]
			}
			for i := 0; i < n; i++ {
				jobs = append(jobs, loop.Job{RunID: fmt.Sprintf("%s-%d", prefix, i)})
			}
		}
		if len(jobs) == 0 {
			return errors.New("nothing to run: pass --runs N, or --resume with run ids")
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()
		a, cleanup, err := openApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()
		serveMetrics(ctx, cmd, a)

		deps, err := a.deps(lc, nil)
		if err != nil {
			return err
		}
		pool := &loop.Pool{
			Workers: workers,
			New: func(job loop.Job) (*loop.Controller, error) {
				if !job.Resume {
					return loop.New(lc, deps)
				}
				// Resumed runs get collaborators built from their recorded config.
				jc, err := a.resumeConfig(ctx, job.RunID)
				if err != nil {
					return nil, err
				}
				jd, err := a.deps(jc, nil)
				if err != nil {
					return nil, err
				}
				return loop.New(jc, jd)
			},
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "  → %d runs on %d workers\n", len(jobs), workers)
		reports := pool.Run(ctx, jobs)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tREASON\tGENS\tBEST\tERROR")
		failed := 0
		for _, rep := range reports {
			best, errText := "-", ""
			if rep.Best != nil {
				best = fmt.Sprintf("%s (gen %d)", propose.FormatScore(rep.Best.Score), rep.BestGeneration)
			}
			if rep.Err != nil {
				errText = rep.Err.Error()
				failed++
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", rep.RunID, rep.Reason, rep.Generations, best, errText)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d runs failed", failed, len(reports))
		}
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.String("run-id", "", "run id (default a random UUID)")
	f.Int("iterations", 0, "override run.iterations (0 is unbounded)")
	f.String("wall-clock", "", "override run.wall_clock, e.g. 2h")
	f.Int("max-repairs", 0, "override run.max_repair_attempts")
	f.Float64("threshold", 0, "override run.acceptance_threshold")
	f.String("policy", "", "override run.repair_exhausted_policy: stop or advance")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address while running, e.g. :9090")

	resumeCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while running")

	bf := batchCmd.Flags()
	bf.Int("runs", 1, "number of runs to start")
	bf.Int("workers", 0, "parallel workers (default pool.workers)")
	bf.String("prefix", "", "run id prefix (default random)")
	bf.Bool("resume", false, "resume the run ids given as arguments")
	bf.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func progressWriter(cmd *cobra.Command) io.Writer {
	return cmd.ErrOrStderr()
}

// serveMetrics serves /metrics on --metrics-addr until ctx is done.
func serveMetrics(ctx context.Context, cmd *cobra.Command, a *app) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("metrics server", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	fmt.Fprintf(cmd.ErrOrStderr(), "  → metrics on http://%s/metrics\n", addr)
}
