package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/llamagate/llamagate/logging"
)

// defaultStripFields is the permissive default set of OpenAI-only fields
// that a stock llama-server rejects outright. The list is
// engine-version-dependent and deliberately kept as data (config.Model.
// StripFields overrides it), not code.
var defaultStripFields = []string{
	"service_tier",
	"store",
	"metadata",
	"parallel_tool_calls",
	"reasoning_effort",
	"modalities",
	"audio",
	"prediction",
	"web_search_options",
}

// LlamaCppClient is the concrete Engine Client for llama.cpp's llama-server,
// speaking its (mostly OpenAI-compatible) /v1/* surface plus /tokenize and
// /health.
type LlamaCppClient struct {
	connect                     string
	httpClient                  *http.Client
	log                         *logging.LogMonitor
	stripFields                 []string
	defaultMaxTokensReservation int

	endpoints map[string]bool

	warnedMu sync.Mutex
	warned   map[string]bool
}

// NewLlamaCppClient builds the client for one live engine instance.
// sideload adds /v1/embeddings to the supported-endpoint set for the
// embedding-engine sub-variant (config.EngineLlamaCppSideload).
// defaultMaxTokensReservation is added to the /tokenize count by
// EstimateTokens whenever a request omits max_tokens.
func NewLlamaCppClient(connect string, stripFields []string, sideload bool, defaultMaxTokensReservation int, log *logging.LogMonitor) *LlamaCppClient {
	if len(stripFields) == 0 {
		stripFields = defaultStripFields
	}
	endpoints := map[string]bool{
		"/v1/chat/completions": true,
		"/v1/completions":      true,
	}
	if sideload {
		endpoints["/v1/embeddings"] = true
	}
	return &LlamaCppClient{
		connect:                     strings.TrimRight(connect, "/"),
		httpClient:                  &http.Client{},
		log:                         log,
		stripFields:                 stripFields,
		defaultMaxTokensReservation: defaultMaxTokensReservation,
		endpoints:                   endpoints,
		warned:                      make(map[string]bool),
	}
}

func (c *LlamaCppClient) SupportedEndpoints() map[string]bool { return c.endpoints }

func (c *LlamaCppClient) TransformRequest(path string, body []byte) ([]byte, error) {
	out := body
	for _, field := range c.stripFields {
		if !gjson.GetBytes(out, field).Exists() {
			continue
		}
		var err error
		out, err = sjson.DeleteBytes(out, field)
		if err != nil {
			return nil, fmt.Errorf("transformRequest: deleting %s: %w", field, err)
		}
		c.warnOnce(field)
	}
	return out, nil
}

// warnOnce logs a single warning per elided field name per request;
// callers construct a fresh client (or reset) per forward in practice, so
// this map is really "per call to TransformRequest between reuses" — see
// ResetWarnings.
func (c *LlamaCppClient) warnOnce(field string) {
	c.warnedMu.Lock()
	defer c.warnedMu.Unlock()
	if c.warned[field] {
		return
	}
	c.warned[field] = true
	c.log.Warnf("llama.cpp client: removed unsupported field %q from request", field)
}

// ResetWarnings clears the per-field dedup set; the Forwarder calls this
// once per inbound request so elided-field warnings are deduplicated per
// request, not just within the lifetime of the client.
func (c *LlamaCppClient) ResetWarnings() {
	c.warnedMu.Lock()
	defer c.warnedMu.Unlock()
	c.warned = make(map[string]bool)
}

// TransformResponse is identity: llama-server's /v1/chat/completions and
// /v1/completions responses are already OpenAI-shaped, and streaming
// chunks are passed through verbatim as SSE.
func (c *LlamaCppClient) TransformResponse(path string, body []byte) ([]byte, error) {
	return body, nil
}

func (c *LlamaCppClient) CheckHealth(ctx context.Context, timeout int) bool {
	client := &http.Client{Timeout: time.Duration(timeout) * time.Second}

	status := c.probe(ctx, client, "/health")
	if status == http.StatusNotFound {
		// fall back to /v1/models on 404.
		status = c.probe(ctx, client, "/v1/models")
	}
	return status >= 200 && status < 300
}

// probe returns the status code of GET path, or 0 if the request failed.
func (c *LlamaCppClient) probe(ctx context.Context, client *http.Client, path string) int {
	u, err := url.JoinPath(c.connect, path)
	if err != nil {
		return 0
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func (c *LlamaCppClient) Forward(ctx context.Context, path string, body []byte, streamFlag bool) (*Response, error) {
	transformed, err := c.TransformRequest(path, body)
	if err != nil {
		return nil, err
	}

	u, err := url.JoinPath(c.connect, path)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, newBodyReader(transformed))
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forward: upstream request failed: %w", err)
	}

	if streamFlag {
		return &Response{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Streaming:  true,
			Stream:     resp.Body,
		}, nil
	}

	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("forward: reading upstream response: %w", err)
	}
	transformedResp, err := c.TransformResponse(path, buf)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       transformedResp,
	}, nil
}

func (c *LlamaCppClient) SupportsOnlineTokenization() bool { return true }

// EstimateTokens builds the tokenizable text (chat-template applied by the
// engine itself), POSTs it to /tokenize, and adds max_tokens (or the
// configured default reservation) on top of the returned token count.
func (c *LlamaCppClient) EstimateTokens(ctx context.Context, path string, requestBody []byte) (int, error) {
	var content string
	switch path {
	case "/v1/chat/completions":
		content = serializeMessagesForTemplate(requestBody)
	case "/v1/completions":
		content = gjson.GetBytes(requestBody, "prompt").String()
	default:
		return 0, fmt.Errorf("estimateTokens: unsupported path %s", path)
	}

	reqBody, _ := sjson.SetBytes(nil, "content", content)
	u, err := url.JoinPath(c.connect, "/tokenize")
	if err != nil {
		return 0, fmt.Errorf("estimateTokens: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, newBodyReader(reqBody))
	if err != nil {
		return 0, fmt.Errorf("estimateTokens: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("estimateTokens: /tokenize request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("estimateTokens: reading /tokenize response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("estimateTokens: /tokenize returned status %d", resp.StatusCode)
	}

	tokens := gjson.GetBytes(respBody, "tokens")
	count := 0
	if tokens.IsArray() {
		count = len(tokens.Array())
	}

	if maxTokens := gjson.GetBytes(requestBody, "max_tokens"); maxTokens.Exists() {
		count += int(maxTokens.Int())
	} else {
		count += c.defaultMaxTokensReservation
	}
	return count, nil
}

// serializeMessagesForTemplate joins chat message contents into the flat
// string the engine's /tokenize endpoint expects as "content" — the engine
// itself still applies the real chat template server-side; this is just
// the payload, not the rendering.
func serializeMessagesForTemplate(requestBody []byte) string {
	var sb strings.Builder
	gjson.GetBytes(requestBody, "messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		content := msg.Get("content").String()
		sb.WriteString(role)
		sb.WriteString(": ")
		sb.WriteString(content)
		sb.WriteString("\n")
		return true
	})
	return sb.String()
}

func newBodyReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
