package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/llamagate/llamagate/config"
	"github.com/llamagate/llamagate/event"
	"github.com/llamagate/llamagate/logging"
)

// RunningEngine is the live state of the single variant currently up: its
// process, its client, and the idle-timer bookkeeping that decides when it
// gets torn down.
type RunningEngine struct {
	variantKey  string
	modelName   string
	variant     *config.Variant
	process     *Process
	client      Client
	idleTimeout time.Duration

	mu        sync.Mutex
	inFlight  int
	idleTimer *time.Timer
}

func (re *RunningEngine) acquire() {
	re.mu.Lock()
	defer re.mu.Unlock()
	re.inFlight++
	if re.idleTimer != nil {
		re.idleTimer.Stop()
		re.idleTimer = nil
	}
}

// release decrements the in-flight count and, once it reaches zero,
// (re)arms the idle timer. A request that arrives mid-countdown cancels it
// via acquire above.
func (re *RunningEngine) release(onIdle func()) {
	re.mu.Lock()
	defer re.mu.Unlock()
	re.inFlight--
	if re.inFlight < 0 {
		re.inFlight = 0
	}
	if re.inFlight == 0 {
		re.idleTimer = time.AfterFunc(re.idleTimeout, onIdle)
	}
}

func (re *RunningEngine) stopTimer() {
	re.mu.Lock()
	defer re.mu.Unlock()
	if re.idleTimer != nil {
		re.idleTimer.Stop()
		re.idleTimer = nil
	}
}

// Supervisor keeps at most one live engine at a time, with serialized
// bring-up/teardown transitions under a single mutex.
type Supervisor struct {
	mu      sync.Mutex
	current *RunningEngine

	log                         *logging.LogMonitor
	defaultMaxTokensReservation int
}

func NewSupervisor(log *logging.LogMonitor, defaultMaxTokensReservation int) *Supervisor {
	return &Supervisor{log: log, defaultMaxTokensReservation: defaultMaxTokensReservation}
}

// CurrentFor implements the Selector's CurrentEngine dependency: is there a
// live engine for modelName right now, and if so, its Client.
func (s *Supervisor) CurrentFor(modelName string) (Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.modelName != modelName {
		return nil, false
	}
	return s.current.client, true
}

// State reports the live engine's variant key, or "none" if no engine is
// currently up. Used by the gateway's /health endpoint.
func (s *Supervisor) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return "none"
	}
	return s.current.variantKey
}

// Release is the handle callers get back from Ensure; calling it marks the
// request as finished and, if no other request is in flight, starts the
// idle countdown.
type Release func()

// Ensure brings up variant for model if it isn't already the live engine.
// A variant-key match is only a hit if the live client still answers its
// health check; an engine that is alive but wedged is torn down and
// rebuilt like any other mismatch. The returned Release must be called
// exactly once when the caller is done using the Client.
func (s *Supervisor) Ensure(ctx context.Context, model *config.Model, variant *config.Variant) (Client, Release, error) {
	key := variant.Key()

	s.mu.Lock()
	re := s.current
	s.mu.Unlock()

	if re != nil && re.variantKey == key {
		if re.client.CheckHealth(ctx, variant.ResolvedTimeouts().HealthCheckTimeout) {
			// Re-check under the lock immediately before acquiring: the
			// idle timer could have torn this engine down while the
			// health check (a network round trip) was in flight.
			s.mu.Lock()
			hit := s.current == re
			if hit {
				re.acquire()
			}
			s.mu.Unlock()
			if hit {
				return re.client, s.releaseFunc(re), nil
			}
		} else {
			s.log.Warnf("engine %s answered unhealthy, recycling", key)
		}
	}

	s.mu.Lock()
	old := s.current
	s.current = nil
	s.mu.Unlock()

	if old != nil {
		s.log.Infof("switching engines: tearing down %s to bring up %s", old.variantKey, key)
		s.teardownEngine(old)
	}

	re, err := s.bringUp(ctx, model, variant)
	if err != nil {
		return nil, nil, err
	}

	re.acquire()
	s.mu.Lock()
	s.current = re
	s.mu.Unlock()

	return re.client, s.releaseFunc(re), nil
}

func (s *Supervisor) releaseFunc(re *RunningEngine) Release {
	return func() {
		re.release(func() { s.handleIdleTimeout(re) })
	}
}

func (s *Supervisor) bringUp(ctx context.Context, model *config.Model, variant *config.Variant) (*RunningEngine, error) {
	key := variant.Key()
	timeouts := variant.ResolvedTimeouts()

	client, err := NewClient(model.EngineType, variant.ResolvedConnect(), model.StripFields, s.defaultMaxTokensReservation, s.log)
	if err != nil {
		return nil, err
	}

	proc := NewProcess(key, variant.Binary, variant.Args, s.log)
	if err := proc.Spawn(ctx, os.Environ()); err != nil {
		return nil, fmt.Errorf("bring up %s: %w", key, err)
	}

	startupTimeout := time.Duration(timeouts.EngineStartupTimeout) * time.Second
	deadline := time.Now().Add(startupTimeout)
	healthy := false
	for time.Now().Before(deadline) {
		if proc.State() == StateGone {
			break
		}
		if client.CheckHealth(ctx, timeouts.HealthCheckTimeout) {
			healthy = true
			break
		}
		select {
		case <-ctx.Done():
			proc.Stop()
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	if !healthy {
		proc.Stop()
		return nil, fmt.Errorf("engine %s did not become healthy within %s", key, startupTimeout)
	}

	if err := proc.MarkReady(); err != nil {
		proc.Stop()
		return nil, err
	}

	re := &RunningEngine{
		variantKey:  key,
		modelName:   model.Name,
		variant:     variant,
		process:     proc,
		client:      client,
		idleTimeout: time.Duration(timeouts.EngineIdleTimeout) * time.Second,
	}

	go s.watchForCrash(re)

	s.log.Infof("engine %s ready for model %s", key, model.Name)
	return re, nil
}

// watchForCrash blocks until re's process exits, then decides whether that
// exit was a crash (still the live engine, nobody tore it down) or an
// expected teardown (current already cleared before Stop was called).
func (s *Supervisor) watchForCrash(re *RunningEngine) {
	_ = re.process.WaitExited(context.Background())

	s.mu.Lock()
	isCurrent := s.current == re
	if isCurrent {
		s.current = nil
	}
	s.mu.Unlock()

	if !isCurrent {
		return
	}

	re.stopTimer()
	err := re.process.ExitErr()
	s.log.Warnf("engine %s crashed while live: %v", re.variantKey, err)
	event.Emit(EngineCrashedEvent{VariantKey: re.variantKey, Err: err})
}

func (s *Supervisor) handleIdleTimeout(re *RunningEngine) {
	s.mu.Lock()
	if s.current != re {
		s.mu.Unlock()
		return
	}
	s.current = nil
	s.mu.Unlock()

	s.log.Infof("engine %s idle for %s, stopping", re.variantKey, re.idleTimeout)
	s.teardownEngine(re)
}

func (s *Supervisor) teardownEngine(re *RunningEngine) {
	re.stopTimer()
	re.process.Stop()
}

// Shutdown tears down the live engine, if any. Safe to call multiple times.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	re := s.current
	s.current = nil
	s.mu.Unlock()

	if re != nil {
		s.teardownEngine(re)
	}
}
