package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
server:
  ipv4: ":8080"
models:
  qwen3-30b-instruct:
    engine_type: llama.cpp
    variants:
      - binary: /opt/llama-server
        args: ["--model", "q30b-81920.gguf", "--ctx-size", "81920"]
        context: 81920
        connect: "http://127.0.0.1:9001"
      - binary: /opt/llama-server
        args: ["--model", "q30b-20480.gguf", "--ctx-size", "20480"]
        context: 20480
        connect: "http://127.0.0.1:9002"
      - binary: /opt/llama-server
        args: ["--model", "q30b-40960.gguf", "--ctx-size", "40960"]
        context: 40960
        connect: "http://127.0.0.1:9003"
`

func TestLoadConfig_SortsVariantsAscendingByContext(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader(minimalConfig))
	require.NoError(t, err)

	model, ok := cfg.FindModel("qwen3-30b-instruct")
	require.True(t, ok)
	require.Len(t, model.Variants, 3)

	assert.Equal(t, 20480, model.Variants[0].Context)
	assert.Equal(t, 40960, model.Variants[1].Context)
	assert.Equal(t, 81920, model.Variants[2].Context)
	assert.Equal(t, 81920, model.MaxContext())
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, defaultHealthCheckTimeout, cfg.Server.HealthCheckTimeout)
	assert.Equal(t, defaultEngineStartupTimeout, cfg.Server.EngineStartupTimeout)
	assert.Equal(t, defaultEngineIdleTimeout, cfg.Server.EngineIdleTimeout)
	assert.Equal(t, defaultMaxTokensReservation, cfg.Server.DefaultMaxTokensReservation)
	assert.Equal(t, 512, cfg.Server.SafetyAbsolute)
	assert.Equal(t, 0.10, cfg.Server.SafetyFraction)
}

func TestLoadConfig_RejectsMissingVariants(t *testing.T) {
	_, err := LoadConfigFromReader(strings.NewReader(`
server:
  ipv4: ":8080"
models:
  bad:
    engine_type: llama.cpp
    variants: []
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one variant")
}

func TestLoadConfig_RejectsUnknownEngineType(t *testing.T) {
	_, err := LoadConfigFromReader(strings.NewReader(`
server:
  ipv4: ":8080"
models:
  bad:
    engine_type: bogus.engine
    variants:
      - binary: /bin/true
        args: ["--x"]
        context: 1024
        connect: "http://127.0.0.1:9001"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown engine_type")
}

func TestLoadConfig_RejectsNoneNoneListen(t *testing.T) {
	_, err := LoadConfigFromReader(strings.NewReader(`
server:
  ipv4: "none"
  ipv6: "none"
models:
  m:
    engine_type: llama.cpp
    variants:
      - binary: /bin/true
        args: ["--x"]
        context: 1024
        connect: "http://127.0.0.1:9001"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ipv4 or ipv6")
}

func TestLoadConfig_ArgsStringIsShlexSplit(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader(`
server:
  ipv4: ":8080"
models:
  m:
    engine_type: llama.cpp
    connect: "http://127.0.0.1:9001"
    variants:
      - binary: /opt/llama-server
        argsString: "--model foo.gguf --ctx-size 4096"
        context: 4096
`))
	require.NoError(t, err)
	model, _ := cfg.FindModel("m")
	assert.Equal(t, []string{"--model", "foo.gguf", "--ctx-size", "4096"}, model.Variants[0].Args)
	assert.Equal(t, "http://127.0.0.1:9001", model.Variants[0].ResolvedConnect())
}

func TestVariantKey_StructuralEquality(t *testing.T) {
	a := &Variant{Binary: "/bin/x", Args: []string{"--a", "1"}}
	a.resolvedConnect = "http://127.0.0.1:9001"
	b := &Variant{Binary: "/bin/x", Args: []string{"--a", "1"}}
	b.resolvedConnect = "http://127.0.0.1:9001"
	c := &Variant{Binary: "/bin/x", Args: []string{"--a", "2"}}
	c.resolvedConnect = "http://127.0.0.1:9001"

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestTokenizerSpec_DefaultBaseArgs(t *testing.T) {
	cfg, err := LoadConfigFromReader(strings.NewReader(`
server:
  ipv4: ":8080"
models:
  m:
    engine_type: llama.cpp
    connect: "http://127.0.0.1:9001"
    tokenization:
      binary: /opt/tokenize
      extra_tokens_per_message: 8
    variants:
      - binary: /opt/llama-server
        args: ["--model", "foo.gguf"]
        context: 4096
`))
	require.NoError(t, err)
	model, _ := cfg.FindModel("m")
	require.NotNil(t, model.Tokenizer)
	assert.Equal(t, []string{"--log-disable", "--stdin", "--ids"}, model.Tokenizer.BaseArgs)
	assert.Equal(t, 8, model.Tokenizer.ExtraTokensPerMessage)
}
