package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/llamagate/llamagate/engine"
)

// handleCompletionLike handles both chat-completion and completion
// requests: they are structurally identical, differing only in which
// field is required in the body (messages vs. prompt).
func (g *Gateway) handleCompletionLike(path string) gin.HandlerFunc {
	requiredField := "prompt"
	if path == "/v1/chat/completions" {
		requiredField = "messages"
	}

	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			sendError(c, http.StatusBadRequest, "invalid_request_error", "could not read request body")
			return
		}

		if !gjson.ValidBytes(body) {
			sendError(c, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
			return
		}

		modelName := gjson.GetBytes(body, "model").String()
		if modelName == "" {
			sendError(c, http.StatusBadRequest, "invalid_request_error", "missing required field: model")
			return
		}

		if !hasRequiredField(body, requiredField) {
			sendError(c, http.StatusBadRequest, "invalid_request_error", "missing or empty required field: "+requiredField)
			return
		}

		// Global request lock: exactly one inference request in flight
		// end-to-end, select through forward.
		g.reqMu.Lock()
		defer g.reqMu.Unlock()

		g.serveCompletion(c, path, modelName, body)
	}
}

func hasRequiredField(body []byte, field string) bool {
	v := gjson.GetBytes(body, field)
	if !v.Exists() {
		return false
	}
	if field == "messages" {
		return v.IsArray() && len(v.Array()) > 0
	}
	return v.String() != ""
}

func (g *Gateway) serveCompletion(c *gin.Context, path, modelName string, body []byte) {
	ctx, forwardSpan := g.tracer.Start(c.Request.Context(), "forward")
	defer forwardSpan.End()

	seq := g.dumper.Begin()
	g.dumper.WriteRequest(seq, body)

	selectCtx, selectSpan := g.tracer.Start(ctx, "select")
	selection, err := g.selector.Select(selectCtx, modelName, path, body)
	selectSpan.End()
	if err != nil {
		g.respondSelectError(c, err)
		return
	}

	ensureCtx, ensureSpan := g.tracer.Start(ctx, "ensure")
	client, release, err := g.supervisor.Ensure(ensureCtx, selection.Model, selection.Variant)
	ensureSpan.End()
	if err != nil {
		sendError(c, http.StatusServiceUnavailable, "internal_error", "engine did not become ready: "+err.Error())
		return
	}
	defer release()

	if resetter, ok := client.(interface{ ResetWarnings() }); ok {
		resetter.ResetWarnings()
	}

	if !client.SupportedEndpoints()[path] {
		sendError(c, http.StatusBadRequest, "invalid_request_error", "model does not support "+path)
		return
	}

	streamFlag := gjson.GetBytes(body, "stream").Bool()

	proxyCtx, proxySpan := g.tracer.Start(ctx, "proxy")
	resp, err := client.Forward(proxyCtx, path, body, streamFlag)
	proxySpan.End()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			g.log.Infof("client disconnected mid-request for model %s", modelName)
			return
		}
		sendError(c, http.StatusBadGateway, "upstream_error", "forwarding to engine failed: "+err.Error())
		return
	}

	if resp.Streaming {
		g.relayStream(c, seq, resp)
		return
	}

	g.dumper.WriteResponse(seq, resp.Body)
	copyUpstreamHeaders(c, resp.Header)
	c.Data(resp.StatusCode, "application/json", resp.Body)
}

func (g *Gateway) respondSelectError(c *gin.Context, err error) {
	var notFound *engine.ModelNotFound
	var tooLarge *engine.ContextTooLarge
	switch {
	case errors.As(err, &notFound):
		sendError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	case errors.As(err, &tooLarge):
		sendError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
	default:
		sendError(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// relayStream forwards SSE chunks byte-for-byte until the engine closes
// the stream or the client disconnects.
func (g *Gateway) relayStream(c *gin.Context, seq int64, resp *engine.Response) {
	defer resp.Stream.Close()

	copyUpstreamHeaders(c, resp.Header)
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(resp.StatusCode)

	flusher, _ := c.Writer.(http.Flusher)

	var captured bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Stream.Read(buf)
		if n > 0 {
			captured.Write(buf[:n])
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				g.log.Infof("client disconnected mid-stream: %v", writeErr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				g.log.Warnf("stream read error: %v", readErr)
			}
			break
		}
	}

	g.dumper.WriteResponse(seq, captured.Bytes())
}

func copyUpstreamHeaders(c *gin.Context, header http.Header) {
	for _, h := range []string{"X-Request-Id"} {
		if v := header.Get(h); v != "" {
			c.Header(h, v)
		}
	}
}
