// Command llamagate runs the gateway: it loads a configuration file,
// builds the Selector/Supervisor/Forwarder pipeline, and serves the
// OpenAI-compatible HTTP surface on one or more listen addresses.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llamagate/llamagate/config"
	"github.com/llamagate/llamagate/dump"
	"github.com/llamagate/llamagate/engine"
	"github.com/llamagate/llamagate/event"
	"github.com/llamagate/llamagate/gateway"
	"github.com/llamagate/llamagate/logging"
)

var (
	version string = "0"
	commit  string = "abcd1234"
	date    string = "unknown"
)

const shutdownFallback = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to configuration file (required)")
	flag.StringVar(configPath, "c", "", "shorthand for -config")
	eagerModel := flag.String("eager-model", "", "bring up this model's smallest variant immediately at startup")
	watchConfig := flag.Bool("watch-config", false, "poll the config file for changes and reload")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("llamagate %s (%s), built at %s\n", version, commit, date)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config/-c is required")
		os.Exit(1)
	}

	log := logging.NewLogMonitor()
	gin.SetMode(gin.ReleaseMode)

	rt, err := buildRuntime(*configPath, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyLogLevel(log, rt.cfg.Server.LogLevel)

	if *eagerModel != "" {
		if err := eagerStart(rt, *eagerModel, log); err != nil {
			log.Errorf("eager start failed: %v", err)
			os.Exit(2)
		}
	}

	handler := &switchableHandler{}
	handler.Set(rt.gw.Handler())

	servers := bindAll(listenEndpoints(rt.cfg), handler, log)
	if len(servers) == 0 {
		log.Errorf("failed to bind any configured listen address")
		os.Exit(1)
	}

	var current atomic.Pointer[runtime]
	current.Store(rt)

	if *watchConfig {
		go watchConfigFile(*configPath, func() {
			reload(&current, *configPath, handler, log)
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Infof("received signal %v, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownFallback)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warnf("server shutdown error: %v", err)
			}
		}(srv)
	}
	wg.Wait()

	current.Load().supervisor.Shutdown()
	current.Load().cache.Flush()
	_ = current.Load().gw.Shutdown(context.Background())

	if sig == syscall.SIGINT {
		os.Exit(130)
	}
	os.Exit(0)
}

// runtime bundles everything that is rebuilt wholesale on a config reload.
type runtime struct {
	cfg        *config.Config
	supervisor *engine.Supervisor
	cache      *engine.TokenizerCache
	gw         *gateway.Gateway
}

func buildRuntime(configPath string, log *logging.LogMonitor) (*runtime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	cachePath := filepath.Join(cfg.Server.DumpsDir, "tokenizer-cache.cbor")
	if cfg.Server.DumpsDir == "" {
		cachePath = filepath.Join(os.TempDir(), "llamagate-tokenizer-cache.cbor")
	}
	cache := engine.NewTokenizerCache(cachePath, log)
	estimator := engine.NewOfflineEstimator(cache, log)
	supervisor := engine.NewSupervisor(log, cfg.Server.DefaultMaxTokensReservation)
	selector := engine.NewSelector(cfg, supervisor, estimator, log)
	dumper := dump.New(cfg.Server.DumpsDir, cfg.Server.PurgeDumps, log)

	gw := gateway.New(cfg, selector, supervisor, dumper, log)

	return &runtime{cfg: cfg, supervisor: supervisor, cache: cache, gw: gw}, nil
}

func applyLogLevel(log *logging.LogMonitor, level string) {
	switch level {
	case "debug":
		log.SetLevel(logging.LevelDebug)
	case "warn":
		log.SetLevel(logging.LevelWarn)
	case "error":
		log.SetLevel(logging.LevelError)
	default:
		log.SetLevel(logging.LevelInfo)
	}
}

func eagerStart(rt *runtime, modelName string, log *logging.LogMonitor) error {
	model, ok := rt.cfg.FindModel(modelName)
	if !ok {
		return fmt.Errorf("eager-model %q not found in configuration", modelName)
	}
	variant := model.Variants[0] // ascending by context; [0] is smallest.

	timeout := time.Duration(variant.ResolvedTimeouts().EngineStartupTimeout)*time.Second + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Infof("eager-starting model %s (variant context %d)", modelName, variant.Context)
	_, release, err := rt.supervisor.Ensure(ctx, model, variant)
	if err != nil {
		return err
	}
	release()
	return nil
}

func listenEndpoints(cfg *config.Config) []string {
	var out []string
	if !cfg.Server.ListenIPv4.None {
		out = append(out, cfg.Server.ListenIPv4.Endpoints...)
	}
	if !cfg.Server.ListenIPv6.None {
		out = append(out, cfg.Server.ListenIPv6.Endpoints...)
	}
	return out
}

// bindAll binds every endpoint it can and logs the rest; startup fails
// only if all configured endpoints fail to bind, which the caller
// enforces by checking len(result) == 0.
func bindAll(endpoints []string, handler http.Handler, log *logging.LogMonitor) []*http.Server {
	var servers []*http.Server
	for _, addr := range endpoints {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Errorf("failed to bind %s: %v", addr, err)
			continue
		}
		srv := &http.Server{Addr: addr, Handler: handler}
		servers = append(servers, srv)
		go func(srv *http.Server, ln net.Listener) {
			log.Infof("llamagate listening on http://%s", srv.Addr)
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Errorf("server on %s exited: %v", srv.Addr, err)
			}
		}(srv, ln)
	}
	return servers
}

// switchableHandler lets a config reload swap in a freshly built gateway
// without tearing down the listening sockets.
type switchableHandler struct {
	h atomic.Pointer[http.Handler]
}

func (s *switchableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.h.Load()).ServeHTTP(w, r)
}

func (s *switchableHandler) Set(h http.Handler) { s.h.Store(&h) }

// watchConfigFile polls path's mtime every 2s and calls onChange when it
// advances, rather than using fsnotify: an fsnotify-based watcher would
// need a dependency this module doesn't otherwise declare, so polling
// avoids pulling one in just for this.
func watchConfigFile(path string, onChange func()) {
	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(lastMod) {
			lastMod = info.ModTime()
			event.Emit(engine.ConfigFileChangedEvent{ReloadingState: engine.ReloadingStateStart})
			onChange()
			event.Emit(engine.ConfigFileChangedEvent{ReloadingState: engine.ReloadingStateEnd})
		}
	}
}

func reload(current *atomic.Pointer[runtime], configPath string, handler *switchableHandler, log *logging.LogMonitor) {
	log.Infof("configuration file changed, reloading")
	next, err := buildRuntime(configPath, log)
	if err != nil {
		log.Errorf("config reload failed, keeping previous configuration: %v", err)
		return
	}
	applyLogLevel(log, next.cfg.Server.LogLevel)

	prev := current.Swap(next)
	handler.Set(next.gw.Handler())

	if prev != nil {
		prev.supervisor.Shutdown()
		prev.cache.Flush()
		if err := prev.gw.Shutdown(context.Background()); err != nil {
			log.Warnf("previous gateway shutdown error: %v", err)
		}
	}
	log.Infof("configuration reloaded")
}
