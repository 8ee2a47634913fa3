package engine

import (
	"context"
	"io"
	"net/http"
)

// Response is what Client.Forward returns: either a single buffered body
// (non-streaming) or a live chunk stream (SSE). Exactly one of Body/Stream
// is populated, selected by the Streaming flag.
type Response struct {
	StatusCode int
	Header     http.Header

	Streaming bool
	Body      []byte    // populated when !Streaming
	Stream    io.ReadCloser // populated when Streaming; caller must Close
}

// Client is the abstract engine-client contract. One concrete
// implementation exists per EngineKind (config.EngineLlamaCpp,
// config.EngineLlamaCppSideload); new engine types register a kind and a
// matching Client constructor in NewClient rather than opening up
// subclassing.
type Client interface {
	// SupportedEndpoints is pure and static per engine type.
	SupportedEndpoints() map[string]bool

	// TransformRequest removes or rewrites fields the engine does not
	// accept. It MUST NOT alter the semantics of fields it leaves alone,
	// and it logs a warning per elided field name, deduplicated per call.
	TransformRequest(path string, body []byte) ([]byte, error)

	// TransformResponse reshapes a buffered response body into OpenAI
	// shape. It is the identity function for engines that already speak
	// it.
	TransformResponse(path string, body []byte) ([]byte, error)

	// CheckHealth is a non-throwing probe: it returns false on connect
	// refusal, a 5xx, or timeout, true on a 2xx from the engine's
	// declared health path.
	CheckHealth(ctx context.Context, timeout int) bool

	// Forward applies TransformRequest, issues the upstream call, and
	// returns either a buffered body or a chunk stream depending on
	// streamFlag.
	Forward(ctx context.Context, path string, body []byte, streamFlag bool) (*Response, error)

	// SupportsOnlineTokenization reports whether EstimateTokens can be
	// used for this client.
	SupportsOnlineTokenization() bool

	// EstimateTokens counts tokens for requestBody by calling the running
	// engine's tokenizer endpoint with its chat template applied.
	EstimateTokens(ctx context.Context, path string, requestBody []byte) (int, error)
}
