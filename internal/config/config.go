package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"storyline/internal/domain"
)

// Config models storyline.yml.
type Config struct {
	Pipeline struct {
		Chapters            int    `yaml:"chapters"`
		WordsPerChapter     int    `yaml:"words_per_chapter"`
		Mode                string `yaml:"mode"`
		AutoDecide          bool   `yaml:"auto_decide"`
		RetryFactor         int    `yaml:"retry_factor"`
		SafetyMargin        int    `yaml:"safety_margin"`
		MalformedRetries    int    `yaml:"malformed_retries"`
		GenerationRetries   int    `yaml:"generation_retries"`
		GenerationBackoffMS int    `yaml:"generation_backoff_ms"`
		MinImprovement      int    `yaml:"min_improvement"`
	} `yaml:"pipeline"`
	Stages  map[string]StagePolicy `yaml:"stages"`
	Context struct {
		SemanticK   int `yaml:"semantic_k"`
		MaxSnippets int `yaml:"max_snippets"`
		MaxChars    int `yaml:"max_chars"`
	} `yaml:"context"`
	Consistency struct {
		ImmutableAttributes []string            `yaml:"immutable_attributes"`
		TerminalValues      map[string][]string `yaml:"terminal_values"`
	} `yaml:"consistency"`
	Pool struct {
		Size        int `yaml:"size"`
		MaxProjects int `yaml:"max_projects"`
	} `yaml:"pool"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// StagePolicy is the gate policy of one stage kind.
type StagePolicy struct {
	Threshold  int `yaml:"threshold"`
	MaxRetries int `yaml:"max_retries"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Policy returns the gate policy for a stage kind.
func (c *Config) Policy(kind domain.StageKind) StagePolicy {
	if p, ok := c.Stages[string(kind)]; ok {
		return p
	}
	return StagePolicy{Threshold: 80, MaxRetries: 2}
}

// Mode returns the configured conflict mode.
func (c *Config) Mode() domain.ConflictMode {
	return domain.ConflictMode(c.Pipeline.Mode)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch domain.ConflictMode(c.Pipeline.Mode) {
	case domain.ModeAutomatic, domain.ModeHumanReviewed:
	default:
		return fmt.Errorf("config.pipeline.mode must be 'automatic' or 'human_reviewed'")
	}
	if c.Pipeline.Chapters < 1 || c.Pipeline.Chapters > 15 {
		return fmt.Errorf("config.pipeline.chapters must be between 1 and 15")
	}
	if c.Pipeline.WordsPerChapter < 300 || c.Pipeline.WordsPerChapter > 3000 {
		return fmt.Errorf("config.pipeline.words_per_chapter must be between 300 and 3000")
	}
	if c.Pipeline.RetryFactor < 1 {
		return fmt.Errorf("config.pipeline.retry_factor must be >= 1")
	}
	if c.Pipeline.SafetyMargin < 1 {
		return fmt.Errorf("config.pipeline.safety_margin must be >= 1")
	}
	if c.Pipeline.MalformedRetries < 0 {
		return fmt.Errorf("config.pipeline.malformed_retries must be >= 0")
	}
	if c.Pipeline.GenerationRetries < 0 {
		return fmt.Errorf("config.pipeline.generation_retries must be >= 0")
	}
	if c.Pipeline.MinImprovement < 0 {
		return fmt.Errorf("config.pipeline.min_improvement must be >= 0")
	}
	for name, p := range c.Stages {
		kind := domain.StageKind(name)
		if !kind.Valid() {
			return fmt.Errorf("config.stages has unknown stage kind %s", name)
		}
		if p.Threshold < 0 || p.Threshold > 100 {
			return fmt.Errorf("stage %s threshold must be between 0 and 100", name)
		}
		if p.MaxRetries < 0 {
			return fmt.Errorf("stage %s max_retries must be >= 0", name)
		}
	}
	if c.Context.SemanticK < 1 {
		return fmt.Errorf("config.context.semantic_k must be >= 1")
	}
	if c.Context.MaxSnippets < 1 || c.Context.MaxChars < 1 {
		return fmt.Errorf("config.context.max_snippets and max_chars are required")
	}
	for attr, values := range c.Consistency.TerminalValues {
		if attr == "" || len(values) == 0 {
			return fmt.Errorf("config.consistency.terminal_values has empty entry")
		}
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("config.pool.size must be >= 1")
	}
	if c.Pool.MaxProjects < 1 {
		return fmt.Errorf("config.pool.max_projects must be >= 1")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// IsImmutable reports whether attr never changes once recorded.
func (c *Config) IsImmutable(attr string) bool {
	for _, a := range c.Consistency.ImmutableAttributes {
		if a == attr {
			return true
		}
	}
	return false
}

// IsTerminal reports whether value is a terminal value of attr.
func (c *Config) IsTerminal(attr, value string) bool {
	for _, v := range c.Consistency.TerminalValues[attr] {
		if v == value {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "storyline.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config from raw YAML bytes. Keys missing from data keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config as YAML, the form stored with each project.
func (c *Config) Marshal() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(data), nil
}

const defaultTemplate = `pipeline:
  chapters: 3
  words_per_chapter: 1000
  mode: human_reviewed
  auto_decide: false
  retry_factor: 3
  safety_margin: 2
  malformed_retries: 2
  generation_retries: 2
  generation_backoff_ms: 500
  min_improvement: 10

stages:
  overview:
    threshold: 70
    max_retries: 2
  world:
    threshold: 70
    max_retries: 2
  plot:
    threshold: 75
    max_retries: 2
  characters:
    threshold: 75
    max_retries: 2
  chapter:
    threshold: 80
    max_retries: 2

context:
  semantic_k: 5
  max_snippets: 8
  max_chars: 6000

consistency:
  immutable_attributes: [origin, birthplace, species]
  terminal_values:
    status: [dead, destroyed]

pool:
  size: 4
  max_projects: 8
`
