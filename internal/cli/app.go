package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/rdloop/internal/config"
	"github.com/lucasnoah/rdloop/internal/db"
	"github.com/lucasnoah/rdloop/internal/evaluate"
	"github.com/lucasnoah/rdloop/internal/llm"
	"github.com/lucasnoah/rdloop/internal/loop"
	"github.com/lucasnoah/rdloop/internal/metrics"
	"github.com/lucasnoah/rdloop/internal/prompt"
	"github.com/lucasnoah/rdloop/internal/propose"
	"github.com/lucasnoah/rdloop/internal/sandbox"
	"github.com/lucasnoah/rdloop/internal/synth"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

// app holds what every command shares: the resolved config, the workspace
// and the metrics registry.
type app struct {
	cfg     *config.Config
	ws      *workspace.Workspace
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// loadConfigOrDefaults is for read-only commands, which work without a
// config file.
func loadConfigOrDefaults() (*config.Config, error) {
	cfg, err := loadConfig()
	if err == nil || configFile != "" {
		return cfg, err
	}
	return config.Parse(nil)
}

func validConfig(cfg *config.Config) error {
	errs := config.Validate(cfg)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid config:\n  - %s", strings.Join(msgs, "\n  - "))
}

// openApp opens the workspace named by cfg and the --driver/--dsn flags.
// The returned cleanup closes it.
func openApp(ctx context.Context, cfg *config.Config) (*app, func(), error) {
	driver, dsn := cfg.Workspace.Driver, cfg.Workspace.DSN
	if driverFlag != "" {
		driver = driverFlag
	}
	if dsnFlag != "" {
		dsn = dsnFlag
	}
	backend, err := db.Open(ctx, driver, dsn, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open workspace: %w", err)
	}
	m := metrics.New()
	ws := workspace.New(backend, workspace.WithLogger(logger), workspace.WithObserver(m))
	a := &app{cfg: cfg, ws: ws, metrics: m, logger: logger}
	cleanup := func() {
		if err := ws.Close(); err != nil {
			logger.Warn("close workspace", zap.Error(err))
		}
	}
	return a, cleanup, nil
}

func (a *app) generator() (llm.Generator, error) {
	var gen llm.Generator
	switch a.cfg.LLM.Provider {
	case config.ProviderScripted:
		s, err := llm.LoadScript(a.cfg.LLM.Script)
		if err != nil {
			return nil, err
		}
		gen = s
	case config.ProviderOpenAI:
		timeout, err := a.cfg.LLMTimeout()
		if err != nil {
			return nil, err
		}
		o, err := llm.NewOpenAI(llm.OpenAIConfig{
			Model:             a.cfg.LLM.Model,
			BaseURL:           a.cfg.LLM.BaseURL,
			Timeout:           timeout,
			RequestsPerMinute: a.cfg.LLM.RequestsPerMinute,
			Temperature:       a.cfg.LLM.Temperature,
		})
		if err != nil {
			return nil, err
		}
		gen = o
	default:
		return nil, fmt.Errorf("unknown llm provider %q", a.cfg.LLM.Provider)
	}
	return llm.Instrument(gen, a.logger, a.metrics), nil
}

func (a *app) executor() *sandbox.Engine {
	var rt sandbox.Runtime
	if a.cfg.Sandbox.Runtime == config.RuntimeDocker {
		rt = sandbox.NewDockerRuntime(a.cfg.Sandbox.Image, a.logger)
	} else {
		rt = sandbox.NewLocalRuntime(a.logger)
	}
	opts := []sandbox.Option{sandbox.WithLogger(a.logger), sandbox.WithMetrics(a.metrics)}
	if a.cfg.Sandbox.Cache {
		opts = append(opts, sandbox.WithCache(sandbox.NewCache(a.cfg.Sandbox.CacheSize)))
	}
	if a.cfg.Sandbox.BaseDir != "" {
		opts = append(opts, sandbox.WithBaseDir(a.cfg.Sandbox.BaseDir))
	}
	return sandbox.New(rt, opts...)
}

// scorer builds the scorer recorded in lc. Runs recorded without scoring
// settings fall back to the config file's scorer.
func (a *app) scorer(lc loop.Config) (evaluate.Scorer, error) {
	sc := lc.Scoring
	if sc.Kind == "" {
		timeout, err := a.cfg.ScoringTimeout()
		if err != nil {
			return nil, err
		}
		sc = evaluate.ScorerConfig{
			Kind:     a.cfg.Scoring.Kind,
			Artifact: a.cfg.Scoring.Artifact,
			Key:      a.cfg.Scoring.Key,
			Command:  a.cfg.Scoring.Command,
			Timeout:  timeout,
		}
	}
	return evaluate.NewScorer(sc)
}

// deps builds the collaborators of a controller for lc. The controller
// builds its evaluator from lc itself. Collaborators that hold no per-run
// state may be shared by the controllers of a batch started from one lc.
func (a *app) deps(lc loop.Config, progress io.Writer) (loop.Deps, error) {
	gen, err := a.generator()
	if err != nil {
		return loop.Deps{}, err
	}
	scorer, err := a.scorer(lc)
	if err != nil {
		return loop.Deps{}, err
	}
	prompts := prompt.NewSet(a.cfg.Prompts)
	engine := synth.New(gen,
		synth.WithLogger(a.logger),
		synth.WithMetrics(a.metrics),
		synth.WithPrompts(prompts),
		synth.WithMaxAttempts(a.cfg.Run.MaxSynthesisAttempts),
		synth.WithMaxRepairs(lc.MaxRepairAttempts),
		synth.WithProgress(progress),
	)
	return loop.Deps{
		Workspace:   a.ws,
		Proposer:    propose.New(gen, propose.WithLogger(a.logger), propose.WithPrompts(prompts)),
		Synthesizer: engine,
		Repairer:    engine,
		Executor:    a.executor(),
		Scorer:      scorer,
		Logger:      a.logger,
		Metrics:     a.metrics,
		Progress:    progress,
	}, nil
}

// controllerFor builds a controller for lc.
func (a *app) controllerFor(lc loop.Config, progress io.Writer) (*loop.Controller, error) {
	deps, err := a.deps(lc, progress)
	if err != nil {
		return nil, err
	}
	return loop.New(lc, deps)
}

// resumeConfig returns the configuration recorded with a run. Runs always
// resume with the settings they started with.
func (a *app) resumeConfig(ctx context.Context, runID string) (loop.Config, error) {
	man, err := loop.LoadManifest(ctx, a.ws, runID)
	if errors.Is(err, workspace.ErrRunNotFound) {
		return loop.Config{}, err
	}
	if err != nil {
		return loop.Config{}, fmt.Errorf("load manifest: %w", err)
	}
	return man.Config, nil
}
