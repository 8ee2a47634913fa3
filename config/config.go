// Package config loads and normalizes llamagate's configuration tree: the
// server-wide defaults, the set of models, and each model's ordered list
// of launchable variants. Loading is a one-shot, fail-fast pass — the
// resulting Config is immutable for the lifetime of the process.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	defaultHealthCheckTimeout   = 120
	defaultEngineStartupTimeout = 120
	defaultEngineIdleTimeout    = 900
	defaultMaxTokensReservation = 1024
)

// Listen is a bind-address declaration that accepts a single endpoint, a
// list of endpoints, or the sentinel "none". It is read from YAML as either
// a bare scalar, a sequence, or the literal string "none" (an empty scalar
// also counts as "none"); there is no matching marshaller.
type Listen struct {
	None      bool
	Endpoints []string
}

func (l *Listen) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		if s == "" || s == "none" {
			l.None = true
			return nil
		}
		l.Endpoints = []string{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		l.Endpoints = list
		return nil
	default:
		return fmt.Errorf("listen: expected a scalar, a list, or \"none\"")
	}
}

// ServerConfig holds the gateway-wide defaults: bind addresses, default
// timeouts, and the optional request/response dump facility.
type ServerConfig struct {
	ListenIPv4 Listen `yaml:"ipv4"`
	ListenIPv6 Listen `yaml:"ipv6"`

	Timeouts Timeouts `yaml:"-"`

	HealthCheckTimeout   int `yaml:"health_check_timeout"`
	EngineStartupTimeout int `yaml:"engine_startup_timeout"`
	EngineIdleTimeout    int `yaml:"engine_idle_timeout"`

	DumpsDir      string `yaml:"dumps_dir"`
	PurgeDumps    bool   `yaml:"purge_dumps_on_start"`

	LogLevel     string `yaml:"log_level"`
	OtelEndpoint string `yaml:"otel_endpoint"`

	DefaultMaxTokensReservation int `yaml:"default_max_tokens_reservation"`

	// SafetyAbsolute / SafetyFraction pad the selector's token estimate
	// before picking a variant: required = estimate + max(absolute, estimate*fraction).
	SafetyAbsolute  int     `yaml:"safety_absolute"`
	SafetyFraction  float64 `yaml:"safety_fraction"`

	// HeuristicCharsPerToken is the divisor used by the character-count
	// fallback estimator when no tokenizer is available.
	HeuristicCharsPerToken int `yaml:"heuristic_chars_per_token"`
}

func (s *ServerConfig) normalize() error {
	if s.HealthCheckTimeout == 0 {
		s.HealthCheckTimeout = defaultHealthCheckTimeout
	} else if s.HealthCheckTimeout < 0 {
		return fmt.Errorf("server.health_check_timeout must be positive")
	}
	if s.EngineStartupTimeout == 0 {
		s.EngineStartupTimeout = defaultEngineStartupTimeout
	} else if s.EngineStartupTimeout < 0 {
		return fmt.Errorf("server.engine_startup_timeout must be positive")
	}
	if s.EngineIdleTimeout == 0 {
		s.EngineIdleTimeout = defaultEngineIdleTimeout
	} else if s.EngineIdleTimeout < 0 {
		return fmt.Errorf("server.engine_idle_timeout must be positive")
	}
	s.Timeouts = Timeouts{
		HealthCheckTimeout:   s.HealthCheckTimeout,
		EngineStartupTimeout: s.EngineStartupTimeout,
		EngineIdleTimeout:    s.EngineIdleTimeout,
	}

	if s.DefaultMaxTokensReservation == 0 {
		s.DefaultMaxTokensReservation = defaultMaxTokensReservation
	}
	if s.SafetyAbsolute == 0 {
		s.SafetyAbsolute = 512
	}
	if s.SafetyFraction == 0 {
		s.SafetyFraction = 0.10
	}
	if s.HeuristicCharsPerToken == 0 {
		s.HeuristicCharsPerToken = 4
	}

	if s.ListenIPv4.None && s.ListenIPv6.None {
		return fmt.Errorf("server: at least one of ipv4 or ipv6 listen addresses must be configured")
	}
	if len(s.ListenIPv4.Endpoints) == 0 && !s.ListenIPv4.None {
		s.ListenIPv4 = Listen{Endpoints: []string{":8080"}}
	}
	if len(s.ListenIPv4.Endpoints) == 0 && len(s.ListenIPv6.Endpoints) == 0 {
		return fmt.Errorf("server: ipv4 or ipv6 is set but declares no listen endpoints")
	}
	return nil
}

// Config is the fully validated, normalized configuration tree consumed by
// the rest of the gateway. It is built once at startup by LoadConfig and
// never mutated afterwards.
type Config struct {
	Server ServerConfig      `yaml:"server"`
	Models map[string]*Model `yaml:"models"`

	// ModelOrder lists model names alphabetically for /v1/models: Models
	// is a map, so declaration order is already gone by the time this is
	// built; stableSortStrings gives a deterministic listing instead.
	ModelOrder []string `yaml:"-"`
}

// LoadConfig reads and validates the YAML configuration file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return LoadConfigFromReader(f)
}

// LoadConfigFromReader parses and validates a configuration document.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Server ServerConfig          `yaml:"server"`
		Models map[string]*Model     `yaml:"models"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(false)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("config: parse error: %w", err)
	}

	if err := raw.Server.normalize(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if len(raw.Models) == 0 {
		return nil, fmt.Errorf("config: at least one model must be declared")
	}

	order := make([]string, 0, len(raw.Models))
	for key, m := range raw.Models {
		if m.Name == "" {
			m.Name = key
		}
		if m.Name != key {
			return nil, fmt.Errorf("config: model key %q does not match model.name %q", key, m.Name)
		}
		if err := m.normalize(raw.Server.Timeouts); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		order = append(order, key)
	}
	stableSortStrings(order)

	return &Config{Server: raw.Server, Models: raw.Models, ModelOrder: order}, nil
}

func stableSortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		j := i
		for j > 0 && s[j-1] > s[j] {
			s[j-1], s[j] = s[j], s[j-1]
			j--
		}
	}
}

// FindModel resolves a model name to its configuration, reporting whether
// it exists.
func (c *Config) FindModel(name string) (*Model, bool) {
	m, ok := c.Models[name]
	return m, ok
}
