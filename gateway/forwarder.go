// Package gateway owns the gin.Engine, parses and validates inbound
// OpenAI-shaped requests, drives them through Select -> Ensure -> Forward
// under the global request lock, and relays the result back to the
// client, streaming or not.
package gateway

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/llamagate/llamagate/config"
	"github.com/llamagate/llamagate/dump"
	"github.com/llamagate/llamagate/engine"
	"github.com/llamagate/llamagate/logging"
)

// Selector is the subset of engine.Selector the Forwarder depends on.
type Selector interface {
	Select(ctx context.Context, modelName, path string, body []byte) (*engine.Selection, error)
}

// Supervisor is the subset of engine.Supervisor the Forwarder depends on.
type Supervisor interface {
	Ensure(ctx context.Context, model *config.Model, variant *config.Variant) (engine.Client, engine.Release, error)
	CurrentFor(modelName string) (engine.Client, bool)
	State() string
}

// Gateway wires the HTTP surface to the Selector and Supervisor,
// serializing inference requests behind a single global lock.
type Gateway struct {
	cfg        *config.Config
	selector   Selector
	supervisor Supervisor
	log        *logging.LogMonitor
	dumper     *dump.Dumper

	tracer         trace.Tracer
	tracerShutdown func(context.Context) error

	reqMu sync.Mutex

	router *gin.Engine
}

func New(cfg *config.Config, selector Selector, supervisor Supervisor, dumper *dump.Dumper, log *logging.LogMonitor) *Gateway {
	tracer, tracerShutdown := initTracer(&cfg.Server, log)
	g := &Gateway{
		cfg:            cfg,
		selector:       selector,
		supervisor:     supervisor,
		log:            log,
		dumper:         dumper,
		tracer:         tracer,
		tracerShutdown: tracerShutdown,
		router:         gin.New(),
	}
	g.setupRoutes()
	return g
}

func (g *Gateway) Handler() http.Handler { return g.router }

// Shutdown flushes and releases the trace exporter, if one is configured.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.tracerShutdown(ctx)
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.loggingMiddleware())
	g.router.Use(g.corsMiddleware())

	g.router.POST("/v1/chat/completions", g.handleCompletionLike("/v1/chat/completions"))
	g.router.POST("/v1/completions", g.handleCompletionLike("/v1/completions"))
	g.router.GET("/v1/models", g.handleModelsList)
	g.router.GET("/v1/models/:id", g.handleModelInfo)
	g.router.GET("/health", g.handleHealth)
	g.router.GET("/logs", g.handleLogs)
}

func (g *Gateway) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method, path := c.Request.Method, c.Request.URL.Path
		c.Next()
		g.log.Infof("%s \"%s %s %s\" %d %v", c.ClientIP(), method, path, c.Request.Proto, c.Writer.Status(), time.Since(start))
	}
}

func (g *Gateway) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func sendError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{"error": gin.H{"message": message, "type": errType}})
}

func (g *Gateway) handleModelsList(c *gin.Context) {
	created := time.Now().Unix()
	data := make([]gin.H, 0, len(g.cfg.ModelOrder))
	for _, name := range g.cfg.ModelOrder {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"created":  created,
			"owned_by": "gateway",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (g *Gateway) handleModelInfo(c *gin.Context) {
	id := c.Param("id")
	model, ok := g.cfg.FindModel(id)
	if !ok {
		sendError(c, http.StatusNotFound, "invalid_request_error", "model not found: "+id)
		return
	}

	contexts := make([]int, 0, len(model.Variants))
	for _, v := range model.Variants {
		contexts = append(contexts, v.Context)
	}
	sort.Ints(contexts)

	c.JSON(http.StatusOK, gin.H{
		"id":            model.Name,
		"object":        "model",
		"context_sizes": contexts,
	})
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "engine": g.supervisor.State()})
}

// handleLogs streams the LogMonitor's history then follows new writes as
// SSE, gated by server.log_level=debug.
func (g *Gateway) handleLogs(c *gin.Context) {
	if g.cfg.Server.LogLevel != "debug" {
		sendError(c, http.StatusNotFound, "invalid_request_error", "not found")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, _ := c.Writer.(http.Flusher)

	write := func(data []byte) bool {
		if _, err := c.Writer.Write(sseLine(data)); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if !write(g.log.History()) {
		return
	}

	ch := make(chan []byte, 64)
	unsubscribe := g.log.Follow(func(data []byte) {
		select {
		case ch <- data:
		default:
		}
	})
	defer unsubscribe()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ch:
			if !write(data) {
				return
			}
		}
	}
}

func sseLine(data []byte) []byte {
	return append(append([]byte("data: "), data...), '\n')
}
