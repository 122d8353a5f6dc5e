package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, merges and validates configuration. configPath may be a file or
// a directory containing config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg := Defaults()
	if err := decodeFile(absPath, cfg); err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	baseDir := filepath.Dir(absPath)
	visited := map[string]bool{absPath: true}
	for _, inc := range cfg.Include {
		incPath := interpolateEnv(inc)
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(baseDir, incPath)
		}
		if visited[incPath] {
			return nil, fmt.Errorf("config include cycle at %s", incPath)
		}
		visited[incPath] = true
		// Includes decode onto the same struct; later files win, maps merge.
		if err := decodeFile(incPath, cfg); err != nil {
			return nil, err
		}
	}

	resolvePaths(cfg, baseDir)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	interpolated := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return nil
}

// resolvePaths anchors relative filesystem paths at the config directory.
func resolvePaths(cfg *Config, baseDir string) {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.State.Path = anchor(cfg.State.Path)
	cfg.TemplatesDir = anchor(cfg.TemplatesDir)
	for ref, a := range cfg.Automations {
		// Bare command names are looked up on PATH.
		if strings.ContainsRune(a.Entrypoint, filepath.Separator) {
			a.Entrypoint = anchor(a.Entrypoint)
		}
		if a.Timeout == 0 {
			a.Timeout = DefaultAutomationTimeout
		}
		cfg.Automations[ref] = a
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unknown variables are left in place and rejected by validate where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	if cfg.Service.PollInterval <= 0 {
		return fmt.Errorf("service.poll_interval must be positive")
	}
	if cfg.Service.BatchSize <= 0 {
		return fmt.Errorf("service.batch_size must be positive")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}
	if cfg.API.RateLimit.RequestsPerSecond < 0 || cfg.API.RateLimit.Burst < 0 {
		return fmt.Errorf("api.rate_limit values must not be negative")
	}
	if cfg.API.RateLimit.RequestsPerSecond > 0 && cfg.API.RateLimit.Burst == 0 {
		return fmt.Errorf("api.rate_limit.burst must be positive when requests_per_second is set")
	}

	switch cfg.Orchestrator.JoinMode {
	case JoinAny, JoinAll:
	default:
		return fmt.Errorf("orchestrator.join_mode must be %q or %q (got %q)", JoinAny, JoinAll, cfg.Orchestrator.JoinMode)
	}
	if cfg.Ingest.MaxRetries < 0 {
		return fmt.Errorf("ingest.max_retries must not be negative")
	}
	if cfg.Notify.PageSize <= 0 {
		return fmt.Errorf("notify.page_size must be positive")
	}
	if cfg.Notify.BusCapacity <= 0 {
		return fmt.Errorf("notify.bus_capacity must be positive")
	}

	for ref, a := range cfg.Automations {
		if a.Entrypoint == "" {
			return fmt.Errorf("automations.%s.entrypoint is required", ref)
		}
		if a.Timeout < 0 {
			return fmt.Errorf("automations.%s.timeout must not be negative", ref)
		}
		for _, v := range append([]string{a.Entrypoint}, a.Args...) {
			if envVarPattern.MatchString(v) {
				return fmt.Errorf("automations.%s references unset environment variable in %q", ref, v)
			}
		}
	}

	switch cfg.Telemetry.Exporter {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("telemetry.exporter must be noop or stdout (got %q)", cfg.Telemetry.Exporter)
	}
	return nil
}
