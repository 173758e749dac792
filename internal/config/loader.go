package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/rdloop/internal/evaluate"
	"github.com/lucasnoah/rdloop/internal/loop"
	"github.com/lucasnoah/rdloop/internal/sandbox"
	"github.com/lucasnoah/rdloop/internal/synth"
	"github.com/lucasnoah/rdloop/internal/workspace"
)

// Load reads and parses a configuration from the given YAML file path.
// Relative paths inside the file resolve against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse parses YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./rdloop.yaml, ~/.rdloop/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"rdloop.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".rdloop", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no rdloop config found (searched: %v)", candidates)
}

// Marshal renders cfg back to YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func applyDefaults(cfg *Config) {
	r := &cfg.Run
	if r.MaxRepairAttempts == nil {
		n := synth.DefaultMaxRepairs
		r.MaxRepairAttempts = &n
	}
	if r.MaxSynthesisAttempts == 0 {
		r.MaxSynthesisAttempts = synth.DefaultMaxAttempts
	}
	if r.RepairExhaustedPolicy == "" {
		r.RepairExhaustedPolicy = string(loop.PolicyStop)
	}
	if r.Direction == "" {
		r.Direction = evaluate.Maximize
	}
	if r.Problem.Language == "" {
		r.Problem.Language = "python"
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = ProviderOpenAI
	}
	if cfg.LLM.Timeout == "" {
		cfg.LLM.Timeout = "2m"
	}

	s := &cfg.Sandbox
	if s.Runtime == "" {
		s.Runtime = RuntimeLocal
	}
	if s.Timeout == "" {
		s.Timeout = sandbox.DefaultTimeout.String()
	}
	if s.OutputBytes == 0 {
		s.OutputBytes = sandbox.DefaultOutputBytes
	}
	if s.Runtime == RuntimeDocker && s.Image == "" {
		s.Image = "python:3.12-slim"
	}
	if s.Cache && s.CacheSize == 0 {
		s.CacheSize = 256
	}

	if cfg.Scoring.Kind == "" {
		cfg.Scoring.Kind = ScoringMetric
	}
	if cfg.Scoring.Kind == ScoringMetric {
		if cfg.Scoring.Artifact == "" {
			cfg.Scoring.Artifact = "metrics.json"
		}
		if cfg.Scoring.Key == "" {
			cfg.Scoring.Key = "score"
		}
	}
	if cfg.Scoring.Timeout == "" {
		cfg.Scoring.Timeout = "30s"
	}

	if cfg.Workspace.Driver == "" {
		cfg.Workspace.Driver = "sqlite"
	}
	if cfg.Pool.Workers == 0 {
		cfg.Pool.Workers = 1
	}
}

func (cfg *Config) resolvePaths(base string) {
	cfg.Workspace.DSN = expandHome(cfg.Workspace.DSN)
	for _, p := range []*string{&cfg.Prompts, &cfg.LLM.Script, &cfg.Sandbox.BaseDir} {
		*p = expandHome(*p)
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Limits returns the sandbox limits for every execution.
func (cfg *Config) Limits() (sandbox.Limits, error) {
	timeout, err := parseDuration(cfg.Sandbox.Timeout)
	if err != nil {
		return sandbox.Limits{}, fmt.Errorf("sandbox.timeout: %w", err)
	}
	cpu, err := parseDuration(cfg.Sandbox.CPUTime)
	if err != nil {
		return sandbox.Limits{}, fmt.Errorf("sandbox.cpu_time: %w", err)
	}
	return sandbox.Limits{
		Timeout:              timeout,
		MemoryBytes:          cfg.Sandbox.Memory,
		OutputBytes:          cfg.Sandbox.OutputBytes,
		CPUTime:              cpu,
		KillOnOutputOverflow: cfg.Sandbox.KillOnOutputOverflow,
	}, nil
}

// LLMTimeout returns the per-call generator timeout.
func (cfg *Config) LLMTimeout() (time.Duration, error) {
	d, err := parseDuration(cfg.LLM.Timeout)
	if err != nil {
		return 0, fmt.Errorf("llm.timeout: %w", err)
	}
	return d, nil
}

// ScoringTimeout returns the per-call scorer timeout.
func (cfg *Config) ScoringTimeout() (time.Duration, error) {
	d, err := parseDuration(cfg.Scoring.Timeout)
	if err != nil {
		return 0, fmt.Errorf("scoring.timeout: %w", err)
	}
	return d, nil
}

// LoopConfig converts cfg into the configuration recorded with a run.
func (cfg *Config) LoopConfig() (loop.Config, error) {
	wall, err := parseDuration(cfg.Run.WallClock)
	if err != nil {
		return loop.Config{}, fmt.Errorf("run.wall_clock: %w", err)
	}
	limits, err := cfg.Limits()
	if err != nil {
		return loop.Config{}, err
	}
	p := cfg.Run.Problem
	outputs := append([]string(nil), p.Outputs...)
	if cfg.Scoring.Kind == ScoringMetric && cfg.Scoring.Artifact != "" && !contains(outputs, cfg.Scoring.Artifact) {
		outputs = append(outputs, cfg.Scoring.Artifact)
	}
	scoreTimeout, err := cfg.ScoringTimeout()
	if err != nil {
		return loop.Config{}, err
	}
	repairs := synth.DefaultMaxRepairs
	if cfg.Run.MaxRepairAttempts != nil {
		repairs = *cfg.Run.MaxRepairAttempts
	}
	return loop.Config{
		Problem: workspace.Problem{
			Description: p.Description,
			Language:    p.Language,
			EntryPoint:  p.EntryPoint,
			Inputs:      p.Inputs,
			Outputs:     outputs,
			Env:         p.Env,
		},
		MaxIterations:          cfg.Run.Iterations,
		WallClock:              wall,
		MaxRepairAttempts:      repairs,
		MaxConsecutiveFailures: cfg.Run.MaxConsecutiveFailures,
		RepairExhaustedPolicy:  loop.Policy(cfg.Run.RepairExhaustedPolicy),
		Threshold:              cfg.Run.AcceptanceThreshold,
		Direction:              cfg.Run.Direction,
		CritiqueBytes:          cfg.Run.CritiqueBytes,
		Limits:                 limits,
		Scoring: evaluate.ScorerConfig{
			Kind:     cfg.Scoring.Kind,
			Artifact: cfg.Scoring.Artifact,
			Key:      cfg.Scoring.Key,
			Command:  cfg.Scoring.Command,
			Timeout:  scoreTimeout,
		},
	}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
