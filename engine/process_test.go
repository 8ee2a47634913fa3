package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamagate/llamagate/logging"
)

func newTestProcess(id, script string) *Process {
	log := logging.NewLogMonitorWriter(io.Discard)
	return NewProcess(id, "/bin/sh", []string{"-c", script}, log)
}

func TestProcess_SpawnTransitionsToProbing(t *testing.T) {
	p := newTestProcess("t1", "sleep 2")
	require.NoError(t, p.Spawn(context.Background(), nil))
	assert.Equal(t, StateProbing, p.State())
	p.Stop()
}

func TestProcess_MarkReadyTransition(t *testing.T) {
	p := newTestProcess("t2", "sleep 2")
	require.NoError(t, p.Spawn(context.Background(), nil))
	require.NoError(t, p.MarkReady())
	assert.Equal(t, StateReady, p.State())
	p.Stop()
	assert.Equal(t, StateGone, p.State())
}

func TestProcess_CrashDetectedWhenCommandExitsOnItsOwn(t *testing.T) {
	p := newTestProcess("t3", "exit 1")
	require.NoError(t, p.Spawn(context.Background(), nil))
	require.NoError(t, p.MarkReady())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.WaitExited(ctx))
	assert.Equal(t, StateGone, p.State())
}

func TestProcess_StopIsIdempotent(t *testing.T) {
	p := newTestProcess("t4", "sleep 2")
	require.NoError(t, p.Spawn(context.Background(), nil))
	require.NoError(t, p.MarkReady())
	p.Stop()
	p.Stop() // must not panic or block
	assert.Equal(t, StateGone, p.State())
}

func TestProcess_StopEscalatesToForceKillIfIgnoringSIGTERM(t *testing.T) {
	// trap SIGTERM and keep running; Stop() must still converge via SIGKILL.
	p := newTestProcess("t5", "trap '' TERM; sleep 30")
	require.NoError(t, p.Spawn(context.Background(), nil))
	require.NoError(t, p.MarkReady())

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracefulStopTimeout + forceStopTimeout + 2*time.Second):
		t.Fatal("Stop() did not converge within graceful+force timeout budget")
	}
	assert.Equal(t, StateGone, p.State())
}
