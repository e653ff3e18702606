package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pipeline modes. Any mode other than sequential builds independent stages.
const (
	ModeSequential  = "sequential"
	ModeIndependent = "independent"
)

// Bus backends.
const (
	BusLocal  = "local"
	BusStream = "stream"
)

type PersonaConfig struct {
	Name         string   `yaml:"name"`
	Tone         string   `yaml:"tone"`
	LanguageHint string   `yaml:"language_hint"`
	Skills       []string `yaml:"skills"`
}

type AgentsConfig struct {
	// MaxActive caps concurrently tracked agents per task. The root
	// orchestrator occupies one slot, so a pipeline gets MaxActive-1 stages.
	MaxActive int `yaml:"max_active"`
}

type PipelinesConfig struct {
	Mode       string `yaml:"mode"`
	MaxRetries int    `yaml:"max_retries"`
	// Conjunction splits single-sentence tasks ("a and b") into stages.
	Conjunction string `yaml:"conjunction"`
}

type BusConfig struct {
	Backend     string `yaml:"backend"`
	MaxMessages int    `yaml:"max_messages"`
	StreamURL   string `yaml:"stream_url"`
	StreamKey   string `yaml:"stream_key"`
}

// LLMConfig selects the generation provider. API keys are read from the
// environment only (see ProviderAPIKey).
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel                 string `yaml:"log_level"`
	GenerationTimeoutSeconds int    `yaml:"generation_timeout_seconds"`

	Persona   PersonaConfig   `yaml:"persona"`
	Agents    AgentsConfig    `yaml:"agents"`
	Pipelines PipelinesConfig `yaml:"pipelines"`
	Bus       BusConfig       `yaml:"bus"`
	LLM       LLMConfig       `yaml:"llm"`
	OTel      OTelConfig      `yaml:"otel"`

	// SOUL is the optional free-form persona text from SOUL.md.
	SOUL string `yaml:"-"`

	// FromFile is false when config.yaml was absent and defaults are in use.
	FromFile bool `yaml:"-"`
}

// ReadError reports a config.yaml that exists but could not be read or
// parsed. Load still returns the defaults alongside it, so callers can
// choose between running on defaults and refusing to start.
type ReadError struct {
	Path string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("config: read %s: %v", e.Path, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Default returns the configuration used when config.yaml is absent.
func Default() Config {
	return Config{
		LogLevel:                 "info",
		GenerationTimeoutSeconds: 30,
		Persona: PersonaConfig{
			Name:         "Ontoti",
			Tone:         "concise",
			LanguageHint: "en",
		},
		Agents: AgentsConfig{MaxActive: 4},
		Pipelines: PipelinesConfig{
			Mode:        ModeSequential,
			MaxRetries:  1,
			Conjunction: " and ",
		},
		Bus: BusConfig{
			Backend:     BusLocal,
			MaxMessages: 1000,
			StreamKey:   "ontoti:bus",
		},
		LLM: LLMConfig{Provider: "google"},
		OTel: OTelConfig{
			Exporter:    "otlp-http",
			ServiceName: "ontoti",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("ONTOTI_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ontoti")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func SoulPath(homeDir string) string {
	return filepath.Join(homeDir, "SOUL.md")
}

// Load reads the configuration from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom applies defaults, config.yaml, environment overrides and
// SOUL.md in that order, then validates the result.
func LoadFrom(homeDir string) (Config, error) {
	cfg := Default()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ontoti home: %w", err)
	}

	path := ConfigPath(homeDir)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return withHome(Default(), homeDir), &ReadError{Path: path, Err: err}
	case len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return withHome(Default(), homeDir), &ReadError{Path: path, Err: err}
		}
		cfg.FromFile = true
	default:
		cfg.FromFile = true
	}

	applyEnvOverrides(&cfg)
	loadSoul(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func withHome(cfg Config, homeDir string) Config {
	cfg.HomeDir = homeDir
	return cfg
}

// Validate checks every field the runtime reads. It runs once at load.
func (c Config) Validate() error {
	var problems []string
	if c.Agents.MaxActive < 1 {
		problems = append(problems, fmt.Sprintf("agents.max_active must be >= 1 (got %d)", c.Agents.MaxActive))
	}
	if c.Pipelines.MaxRetries < 0 {
		problems = append(problems, fmt.Sprintf("pipelines.max_retries must be >= 0 (got %d)", c.Pipelines.MaxRetries))
	}
	if strings.TrimSpace(c.Pipelines.Conjunction) == "" {
		problems = append(problems, "pipelines.conjunction must not be blank")
	}
	switch c.Bus.Backend {
	case BusLocal:
	case BusStream:
		if strings.TrimSpace(c.Bus.StreamURL) == "" {
			problems = append(problems, "bus.stream_url is required for the stream backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("bus.backend must be %q or %q (got %q)", BusLocal, BusStream, c.Bus.Backend))
	}
	if c.Bus.MaxMessages < 1 {
		problems = append(problems, fmt.Sprintf("bus.max_messages must be >= 1 (got %d)", c.Bus.MaxMessages))
	}
	if c.GenerationTimeoutSeconds < 1 {
		problems = append(problems, fmt.Sprintf("generation_timeout_seconds must be >= 1 (got %d)", c.GenerationTimeoutSeconds))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Sequential reports whether pipeline stages form a chain.
func (c Config) Sequential() bool {
	return c.Pipelines.Mode == ModeSequential
}

// ProviderAPIKey returns the API key for the given provider from the environment.
func (c Config) ProviderAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

// Fingerprint returns a stable hash of the settings that affect the bus and
// orchestrator, so a reload that changes nothing relevant can be skipped.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "active=%d|mode=%s|retries=%d|conj=%s|bus=%s/%d/%s/%s|llm=%s/%s/%s|timeout=%d|persona=%s/%s/%s/%v|soul=%d",
		c.Agents.MaxActive, c.Pipelines.Mode, c.Pipelines.MaxRetries, c.Pipelines.Conjunction,
		c.Bus.Backend, c.Bus.MaxMessages, c.Bus.StreamURL, c.Bus.StreamKey,
		c.LLM.Provider, c.LLM.Model, c.LLM.BaseURL, c.GenerationTimeoutSeconds,
		c.Persona.Name, c.Persona.Tone, c.Persona.LanguageHint, c.Persona.Skills, len(c.SOUL))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Pipelines.Mode = strings.ToLower(strings.TrimSpace(cfg.Pipelines.Mode))
	if cfg.Pipelines.Mode == "" {
		cfg.Pipelines.Mode = ModeSequential
	}
	if cfg.Pipelines.Conjunction == "" {
		cfg.Pipelines.Conjunction = " and "
	}
	cfg.Bus.Backend = strings.ToLower(strings.TrimSpace(cfg.Bus.Backend))
	if cfg.Bus.Backend == "" {
		cfg.Bus.Backend = BusLocal
	}
	if cfg.Bus.StreamKey == "" {
		cfg.Bus.StreamKey = "ontoti:bus"
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch cfg.LLM.Provider {
	case "", "gemini":
		cfg.LLM.Provider = "google"
	}
	if cfg.Persona.Name == "" {
		cfg.Persona.Name = "Ontoti"
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "ontoti"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ONTOTI_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ONTOTI_GENERATION_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.GenerationTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("ONTOTI_MAX_ACTIVE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Agents.MaxActive = v
		}
	}
	if raw := os.Getenv("ONTOTI_PIPELINE_MODE"); raw != "" {
		cfg.Pipelines.Mode = raw
	}
	if raw := os.Getenv("ONTOTI_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pipelines.MaxRetries = v
		}
	}
	if raw := os.Getenv("ONTOTI_BUS_BACKEND"); raw != "" {
		cfg.Bus.Backend = raw
	}
	if raw := os.Getenv("ONTOTI_STREAM_URL"); raw != "" {
		cfg.Bus.StreamURL = raw
	}
	if raw := os.Getenv("ONTOTI_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("ONTOTI_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
}

func loadSoul(cfg *Config) {
	if b, err := os.ReadFile(SoulPath(cfg.HomeDir)); err == nil {
		cfg.SOUL = strings.TrimSpace(string(b))
	}
}
