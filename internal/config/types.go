package config

import "time"

// Join modes for successors with more than one predecessor.
const (
	JoinAny = "any"
	JoinAll = "all"
)

// Config represents the complete mfactory configuration.
type Config struct {
	Service      ServiceConfig               `yaml:"service"`
	State        StateConfig                 `yaml:"state"`
	API          APIConfig                   `yaml:"api"`
	Orchestrator OrchestratorConfig          `yaml:"orchestrator"`
	Ingest       IngestConfig                `yaml:"ingest"`
	Notify       NotifyConfig                `yaml:"notify"`
	Automations  map[string]AutomationConfig `yaml:"automations"`
	TemplatesDir string                      `yaml:"templates_dir"`
	Telemetry    TelemetryConfig             `yaml:"telemetry"`
	// Include lists further YAML files, relative to this one, merged in order.
	Include []string `yaml:"include,omitempty"`

	// SourcePath is the absolute path of the root file.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	LogLevel     string        `yaml:"log_level"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Listen         string          `yaml:"listen"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig bounds the ingest routes. Zero requests_per_second disables
// limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type OrchestratorConfig struct {
	JoinMode string `yaml:"join_mode"`
}

type IngestConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

type NotifyConfig struct {
	PageSize    int `yaml:"page_size"`
	BusCapacity int `yaml:"bus_capacity"`
}

// AutomationConfig maps a task_reference to the program that runs it.
type AutomationConfig struct {
	Entrypoint string            `yaml:"entrypoint"`
	Args       []string          `yaml:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Timeout    time.Duration     `yaml:"timeout"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "mfactory",
			LogLevel:     "info",
			PollInterval: time.Second,
			BatchSize:    100,
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
		Orchestrator: OrchestratorConfig{JoinMode: JoinAny},
		Ingest:       IngestConfig{MaxRetries: 2},
		Notify:       NotifyConfig{PageSize: 100, BusCapacity: 256},
		Automations:  make(map[string]AutomationConfig),
		TemplatesDir: "./templates",
		Telemetry:    TelemetryConfig{Exporter: "noop"},
	}
}

// DefaultAutomationTimeout applies when an automation sets none.
const DefaultAutomationTimeout = 30 * time.Minute
