package config

import (
	"fmt"
	"math"

	"github.com/lucasnoah/rdloop/internal/evaluate"
	"github.com/lucasnoah/rdloop/internal/loop"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	recognizedProviders = map[string]bool{ProviderOpenAI: true, ProviderScripted: true}
	recognizedRuntimes  = map[string]bool{RuntimeLocal: true, RuntimeDocker: true}
	recognizedScorers   = map[string]bool{ScoringMetric: true, ScoringExit: true, ScoringCommand: true}
	recognizedDrivers   = map[string]bool{"sqlite": true, "postgres": true, "badger": true, "memory": true}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	r := cfg.Run
	if r.Problem.Description == "" {
		add("run.problem", "is required")
	}
	if r.Iterations < 0 {
		add("run.iterations", "must be >= 0, got %d", r.Iterations)
	}
	if r.Iterations == 0 && r.WallClock == "" {
		add("run.iterations", "an unbounded run needs run.wall_clock")
	}
	if r.MaxRepairAttempts != nil && *r.MaxRepairAttempts < 0 {
		add("run.max_repair_attempts", "must be >= 0, got %d", *r.MaxRepairAttempts)
	}
	if r.MaxSynthesisAttempts < 1 {
		add("run.max_synthesis_attempts", "must be >= 1, got %d", r.MaxSynthesisAttempts)
	}
	if r.MaxConsecutiveFailures < 0 {
		add("run.max_consecutive_failures", "must be >= 0, got %d", r.MaxConsecutiveFailures)
	}
	switch loop.Policy(r.RepairExhaustedPolicy) {
	case loop.PolicyStop, loop.PolicyAdvance:
	default:
		add("run.repair_exhausted_policy", "must be %q or %q, got %q", loop.PolicyStop, loop.PolicyAdvance, r.RepairExhaustedPolicy)
	}
	switch r.Direction {
	case evaluate.Maximize, evaluate.Minimize:
	default:
		add("run.direction", "must be %q or %q, got %q", evaluate.Maximize, evaluate.Minimize, r.Direction)
	}
	if math.IsNaN(r.AcceptanceThreshold) || math.IsInf(r.AcceptanceThreshold, 0) {
		add("run.acceptance_threshold", "must be a finite number")
	}

	for _, f := range []struct{ field, val string }{
		{"run.wall_clock", r.WallClock},
		{"llm.timeout", cfg.LLM.Timeout},
		{"sandbox.timeout", cfg.Sandbox.Timeout},
		{"sandbox.cpu_time", cfg.Sandbox.CPUTime},
		{"scoring.timeout", cfg.Scoring.Timeout},
	} {
		d, err := parseDuration(f.val)
		if err != nil {
			add(f.field, "invalid duration %q", f.val)
		} else if d < 0 {
			add(f.field, "must not be negative")
		}
	}

	if !recognizedProviders[cfg.LLM.Provider] {
		add("llm.provider", "unrecognized provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == ProviderScripted && cfg.LLM.Script == "" {
		add("llm.script", "is required for the scripted provider")
	}
	if cfg.LLM.RequestsPerMinute < 0 {
		add("llm.requests_per_minute", "must be >= 0")
	}

	if !recognizedRuntimes[cfg.Sandbox.Runtime] {
		add("sandbox.runtime", "unrecognized runtime %q", cfg.Sandbox.Runtime)
	}
	if cfg.Sandbox.Memory < 0 {
		add("sandbox.memory", "must be >= 0")
	}
	if cfg.Sandbox.OutputBytes < 0 {
		add("sandbox.output_bytes", "must be >= 0")
	}

	s := cfg.Scoring
	switch {
	case !recognizedScorers[s.Kind]:
		add("scoring.kind", "unrecognized scorer %q", s.Kind)
	case s.Kind == ScoringMetric && s.Artifact == "":
		add("scoring.artifact", "is required for the metric scorer")
	case s.Kind == ScoringCommand && s.Command == "":
		add("scoring.command", "is required for the command scorer")
	}

	if !recognizedDrivers[cfg.Workspace.Driver] {
		add("workspace.driver", "unrecognized driver %q", cfg.Workspace.Driver)
	}
	if cfg.Workspace.Driver == "postgres" && cfg.Workspace.DSN == "" {
		add("workspace.dsn", "is required for postgres")
	}
	if cfg.Pool.Workers < 1 {
		add("pool.workers", "must be >= 1, got %d", cfg.Pool.Workers)
	}
	return errs
}
