package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamagate/llamagate/config"
	"github.com/llamagate/llamagate/dump"
	"github.com/llamagate/llamagate/engine"
	"github.com/llamagate/llamagate/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfigFromReader(strings.NewReader(`
server:
  ipv4: ":0"
models:
  m:
    engine_type: llama.cpp
    connect: "http://127.0.0.1:1"
    variants:
      - binary: /bin/sh
        argsString: "-c true"
        context: 4096
`))
	require.NoError(t, err)
	return cfg
}

type fakeClient struct {
	endpoints map[string]bool
	respBody  []byte
	forwarded bool
}

func (f *fakeClient) SupportedEndpoints() map[string]bool { return f.endpoints }
func (f *fakeClient) TransformRequest(_ string, body []byte) ([]byte, error) { return body, nil }
func (f *fakeClient) TransformResponse(_ string, body []byte) ([]byte, error) { return body, nil }
func (f *fakeClient) CheckHealth(context.Context, int) bool { return true }
func (f *fakeClient) Forward(_ context.Context, _ string, _ []byte, _ bool) (*engine.Response, error) {
	f.forwarded = true
	return &engine.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: f.respBody}, nil
}
func (f *fakeClient) SupportsOnlineTokenization() bool                           { return false }
func (f *fakeClient) EstimateTokens(context.Context, string, []byte) (int, error) { return 0, nil }

type fakeSelector struct {
	model   *config.Model
	variant *config.Variant
	err     error
}

func (f *fakeSelector) Select(context.Context, string, string, []byte) (*engine.Selection, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &engine.Selection{Model: f.model, Variant: f.variant, Estimated: 1, Required: 1}, nil
}

type fakeSupervisor struct {
	client engine.Client
	err    error
}

func (f *fakeSupervisor) Ensure(context.Context, *config.Model, *config.Variant) (engine.Client, engine.Release, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.client, func() {}, nil
}
func (f *fakeSupervisor) CurrentFor(string) (engine.Client, bool) { return f.client, f.client != nil }
func (f *fakeSupervisor) State() string {
	if f.client != nil {
		return "ready"
	}
	return "none"
}

func newTestGateway(t *testing.T, cfg *config.Config, sel Selector, sup Supervisor) *Gateway {
	t.Helper()
	log := logging.NewLogMonitorWriter(io.Discard)
	return New(cfg, sel, sup, dump.New("", false, log), log)
}

func TestGateway_ChatCompletionsHappyPath(t *testing.T) {
	cfg := testConfig(t)
	model, _ := cfg.FindModel("m")
	client := &fakeClient{
		endpoints: map[string]bool{"/v1/chat/completions": true},
		respBody:  []byte(`{"id":"x","object":"chat.completion"}`),
	}
	gw := newTestGateway(t, cfg, &fakeSelector{model: model, variant: model.Variants[0]}, &fakeSupervisor{client: client})

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, client.forwarded)
	assert.Contains(t, rec.Body.String(), "chat.completion")
}

func TestGateway_MissingModelField(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGateway(t, cfg, &fakeSelector{}, &fakeSupervisor{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_MissingMessagesField(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGateway(t, cfg, &fakeSelector{}, &fakeSupervisor{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m"}`))
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_ModelNotFoundBecomes400(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGateway(t, cfg, &fakeSelector{err: &engine.ModelNotFound{Name: "nope"}}, &fakeSupervisor{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"nope","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var decoded map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, "invalid_request_error", decoded["error"]["type"])
}

func TestGateway_ModelsList(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGateway(t, cfg, &fakeSelector{}, &fakeSupervisor{})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"m"`)
}

func TestGateway_ModelInfoNotFound(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGateway(t, cfg, &fakeSelector{}, &fakeSupervisor{})

	req := httptest.NewRequest(http.MethodGet, "/v1/models/nope", nil)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_Health(t *testing.T) {
	cfg := testConfig(t)
	gw := newTestGateway(t, cfg, &fakeSelector{}, &fakeSupervisor{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestGateway_UnsupportedEndpointRejected(t *testing.T) {
	cfg := testConfig(t)
	model, _ := cfg.FindModel("m")
	client := &fakeClient{endpoints: map[string]bool{"/v1/completions": true}}
	gw := newTestGateway(t, cfg, &fakeSelector{model: model, variant: model.Variants[0]}, &fakeSupervisor{client: client})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, client.forwarded)
}
