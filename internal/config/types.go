package config

import (
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/rdloop/internal/evaluate"
)

// Config is the top-level configuration parsed from rdloop YAML.
type Config struct {
	Run       Run       `yaml:"run"`
	LLM       LLM       `yaml:"llm"`
	Sandbox   Sandbox   `yaml:"sandbox"`
	Scoring   Scoring   `yaml:"scoring"`
	Workspace Workspace `yaml:"workspace"`
	Pool      Pool      `yaml:"pool"`
	// Prompts is a directory of template overrides. Empty uses the builtins.
	Prompts string `yaml:"prompts,omitempty"`
}

// Problem describes what every generation of a run works on.
type Problem struct {
	Description string            `yaml:"description"`
	Language    string            `yaml:"language,omitempty"`
	EntryPoint  []string          `yaml:"entry_point,omitempty"`
	Inputs      []string          `yaml:"inputs,omitempty"`
	Outputs     []string          `yaml:"outputs,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
}

// UnmarshalYAML accepts either a bare string (the description) or a mapping.
func (p *Problem) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Description = node.Value
		return nil
	}
	type plain Problem
	return node.Decode((*plain)(p))
}

// Run holds loop budgets and acceptance settings.
type Run struct {
	Problem                Problem `yaml:"problem"`
	Iterations             int     `yaml:"iterations"`
	WallClock              string  `yaml:"wall_clock,omitempty"`
	MaxRepairAttempts      *int    `yaml:"max_repair_attempts,omitempty"`
	MaxSynthesisAttempts   int     `yaml:"max_synthesis_attempts"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures"`
	RepairExhaustedPolicy  string  `yaml:"repair_exhausted_policy"`
	AcceptanceThreshold    float64 `yaml:"acceptance_threshold"`
	Direction              string  `yaml:"direction"`
	CritiqueBytes          int     `yaml:"critique_bytes,omitempty"`
}

// LLM selects and configures the generative capability.
type LLM struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model,omitempty"`
	BaseURL           string  `yaml:"base_url,omitempty"`
	Timeout           string  `yaml:"timeout"`
	RequestsPerMinute int     `yaml:"requests_per_minute,omitempty"`
	Temperature       float32 `yaml:"temperature,omitempty"`
	Script            string  `yaml:"script,omitempty"` // responses file for provider scripted
}

// Sandbox configures the execution runtime and its limits.
type Sandbox struct {
	Runtime              string `yaml:"runtime"`
	Timeout              string `yaml:"timeout"`
	Memory               int64  `yaml:"memory,omitempty"`
	OutputBytes          int64  `yaml:"output_bytes,omitempty"`
	CPUTime              string `yaml:"cpu_time,omitempty"`
	KillOnOutputOverflow bool   `yaml:"kill_on_output_overflow,omitempty"`
	Image                string `yaml:"image,omitempty"`
	Cache                bool   `yaml:"cache"`
	CacheSize            int    `yaml:"cache_size,omitempty"`
	BaseDir              string `yaml:"base_dir,omitempty"`
}

// Scoring selects the domain scorer.
type Scoring struct {
	Kind     string `yaml:"kind"`
	Artifact string `yaml:"artifact,omitempty"`
	Key      string `yaml:"key,omitempty"`
	Command  string `yaml:"command,omitempty"`
	Timeout  string `yaml:"timeout"`
}

// Workspace selects the provenance store backend.
type Workspace struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn,omitempty"`
}

// Pool bounds parallel runs.
type Pool struct {
	Workers int `yaml:"workers"`
}

// Recognized enumerations.
const (
	ProviderOpenAI   = "openai"
	ProviderScripted = "scripted"

	RuntimeLocal  = "local"
	RuntimeDocker = "docker"

	ScoringMetric  = evaluate.ScorerMetric
	ScoringExit    = evaluate.ScorerExit
	ScoringCommand = evaluate.ScorerCommand
)
