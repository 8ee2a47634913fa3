package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/billziss-gh/golib/shlex"
)

// EngineKind is the closed set of engine types a Model may declare. New
// engines register a kind and a matching constructor in engine.NewClient
// rather than opening up subclassing here.
type EngineKind string

const (
	EngineLlamaCpp         EngineKind = "llama.cpp"
	EngineLlamaCppSideload EngineKind = "llama.cpp.sideload"
)

func (k EngineKind) Valid() bool {
	switch k {
	case EngineLlamaCpp, EngineLlamaCppSideload:
		return true
	default:
		return false
	}
}

// TokenizerSpec describes the standalone tokenizer binary used for the
// offline estimation path.
type TokenizerSpec struct {
	Binary               string   `yaml:"binary"`
	BaseArgs             []string `yaml:"base_args"`
	ExtraArgs            []string `yaml:"extra_args"`
	ExtraTokensPerMessage int     `yaml:"extra_tokens_per_message"`
	ExtraTokens          int      `yaml:"extra_tokens"`
}

var defaultTokenizerBaseArgs = []string{"--log-disable", "--stdin", "--ids"}

func (t *TokenizerSpec) normalize() error {
	if t.Binary == "" {
		return fmt.Errorf("tokenization.binary is required")
	}
	if len(t.BaseArgs) == 0 {
		t.BaseArgs = append([]string(nil), defaultTokenizerBaseArgs...)
	}
	if t.ExtraTokensPerMessage < 0 {
		return fmt.Errorf("tokenization.extra_tokens_per_message must be non-negative")
	}
	if t.ExtraTokens < 0 {
		return fmt.Errorf("tokenization.extra_tokens must be non-negative")
	}
	return nil
}

// Timeouts holds the per-model/variant overridable durations, all in seconds.
// A zero value means "inherit from the enclosing scope".
type Timeouts struct {
	HealthCheckTimeout   int `yaml:"health_check_timeout"`
	EngineStartupTimeout int `yaml:"engine_startup_timeout"`
	EngineIdleTimeout    int `yaml:"engine_idle_timeout"`
}

func (t Timeouts) mergeOnto(base Timeouts) Timeouts {
	out := base
	if t.HealthCheckTimeout > 0 {
		out.HealthCheckTimeout = t.HealthCheckTimeout
	}
	if t.EngineStartupTimeout > 0 {
		out.EngineStartupTimeout = t.EngineStartupTimeout
	}
	if t.EngineIdleTimeout > 0 {
		out.EngineIdleTimeout = t.EngineIdleTimeout
	}
	return out
}

// Variant is one concrete launch configuration of a Model: a binary, its
// argument vector, and the context window it was launched with.
type Variant struct {
	Binary   string   `yaml:"binary"`
	Args     []string `yaml:"args"`
	ArgsStr  string   `yaml:"argsString"`
	Context  int      `yaml:"context"`
	Connect  string   `yaml:"connect"`
	Timeouts Timeouts `yaml:"timeouts"`

	// resolved at load time
	resolvedConnect  string
	resolvedTimeouts Timeouts
}

// Key returns the structural identity used to decide "is this variant
// already running?" — (binary, argument vector, connect URL), not position.
func (v *Variant) Key() string {
	return v.Binary + "\x00" + strings.Join(v.Args, "\x00") + "\x00" + v.resolvedConnect
}

// ResolvedConnect returns the connect URL after model/variant inheritance.
func (v *Variant) ResolvedConnect() string { return v.resolvedConnect }

// ResolvedTimeouts returns the timeouts after server/model/variant inheritance.
func (v *Variant) ResolvedTimeouts() Timeouts { return v.resolvedTimeouts }

func (v *Variant) normalize(modelName string, modelConnect string, modelTimeouts Timeouts) error {
	if v.Binary == "" {
		return fmt.Errorf("model %s: variant.binary is required", modelName)
	}
	if len(v.Args) == 0 && v.ArgsStr != "" {
		args, err := shlex.Split(v.ArgsStr)
		if err != nil {
			return fmt.Errorf("model %s: variant.argsString: %w", modelName, err)
		}
		v.Args = args
	}
	if len(v.Args) == 0 {
		return fmt.Errorf("model %s: variant.args is required", modelName)
	}
	if v.Context <= 0 {
		return fmt.Errorf("model %s: variant.context must be positive", modelName)
	}

	connect := v.Connect
	if connect == "" {
		connect = modelConnect
	}
	if connect == "" {
		return fmt.Errorf("model %s: variant has no connect URL (and model has none either)", modelName)
	}
	if _, err := url.Parse(connect); err != nil {
		return fmt.Errorf("model %s: invalid connect URL %q: %w", modelName, connect, err)
	}
	v.resolvedConnect = connect
	v.resolvedTimeouts = v.Timeouts.mergeOnto(modelTimeouts)
	return nil
}

// Model is a named, orderable-by-context list of Variants sharing an engine
// type and optional tokenizer.
type Model struct {
	Name        string        `yaml:"name"`
	EngineType  EngineKind    `yaml:"engine_type"`
	Connect     string        `yaml:"connect"`
	Tokenizer   *TokenizerSpec `yaml:"tokenization"`
	Timeouts    Timeouts      `yaml:"timeouts"`
	Variants    []*Variant    `yaml:"variants"`

	// StripFields overrides the default set of OpenAI-only fields the
	// llama.cpp engine client elides from requests before forwarding.
	// Empty means "use the engine client's built-in default set".
	StripFields []string `yaml:"strip_fields"`
}

func (m *Model) normalize(serverTimeouts Timeouts) error {
	if m.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if !m.EngineType.Valid() {
		return fmt.Errorf("model %s: unknown engine_type %q", m.Name, m.EngineType)
	}
	if len(m.Variants) == 0 {
		return fmt.Errorf("model %s: must declare at least one variant", m.Name)
	}

	modelTimeouts := m.Timeouts.mergeOnto(serverTimeouts)

	for _, v := range m.Variants {
		if err := v.normalize(m.Name, m.Connect, modelTimeouts); err != nil {
			return err
		}
	}

	if m.Tokenizer != nil {
		if err := m.Tokenizer.normalize(); err != nil {
			return fmt.Errorf("model %s: %w", m.Name, err)
		}
	}

	// Selector relies on ascending context order; a stable sort keeps
	// declaration order as the tie-break for equal-context variants.
	stableSortVariantsByContext(m.Variants)

	return nil
}

// MaxContext returns the largest variant context declared for the model.
func (m *Model) MaxContext() int {
	max := 0
	for _, v := range m.Variants {
		if v.Context > max {
			max = v.Context
		}
	}
	return max
}

func stableSortVariantsByContext(variants []*Variant) {
	// insertion sort: stable, and variant lists are always small (a handful
	// of quantization/context tiers per model).
	for i := 1; i < len(variants); i++ {
		j := i
		for j > 0 && variants[j-1].Context > variants[j].Context {
			variants[j-1], variants[j] = variants[j], variants[j-1]
			j--
		}
	}
}
