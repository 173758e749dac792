package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	verbose    bool
	driverFlag string
	dsnFlag    string

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "rdloop",
	Short: "rdloop runs an automated research and development loop",
	Long: `rdloop proposes a hypothesis, synthesizes code for it, runs the code in a
sandbox, scores the result and feeds the critique into the next proposal,
repairing failed implementations along the way.

Every hypothesis, implementation, execution and piece of feedback is recorded
in an append-only workspace (SQLite at ~/.rdloop/rdloop.db by default), so a
run can be inspected, exported or resumed after a crash.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(verbose)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = !debug
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "path to rdloop config file (default ./rdloop.yaml or ~/.rdloop/config.yaml)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&driverFlag, "driver", "", "workspace driver override: sqlite, postgres, badger or memory")
	pf.StringVar(&dsnFlag, "dsn", "", "workspace DSN override")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
}
