package dump

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamagate/llamagate/logging"
)

func testLog() *logging.LogMonitor { return logging.NewLogMonitorWriter(io.Discard) }

func TestNew_EmptyDirDisablesDumping(t *testing.T) {
	d := New("", false, testLog())
	assert.Nil(t, d)
}

func TestNilDumper_MethodsAreNoOps(t *testing.T) {
	var d *Dumper
	assert.Equal(t, int64(0), d.Begin())
	assert.NotPanics(t, func() {
		d.WriteRequest(1, []byte("hi"))
		d.WriteResponse(1, []byte("hi"))
	})
}

func TestDumper_WriteRoundTrips(t *testing.T) {
	dir := t.TempDir()
	d := New(dir, false, testLog())
	require.NotNil(t, d)

	seq := d.Begin()
	assert.Equal(t, int64(1), seq)

	d.WriteRequest(seq, []byte(`{"hello":"world"}`))
	d.WriteResponse(seq, []byte(`{"ok":true}`))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var sawReq, sawResp bool
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()

	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		decompressed, err := dec.DecodeAll(raw, nil)
		require.NoError(t, err)

		switch {
		case strings.Contains(e.Name(), ".req.json.zst"):
			sawReq = true
			assert.Contains(t, string(decompressed), "hello")
		case strings.Contains(e.Name(), ".resp.json.zst"):
			sawResp = true
			assert.Contains(t, string(decompressed), "ok")
		}
	}
	assert.True(t, sawReq)
	assert.True(t, sawResp)
}

func TestNew_PurgeRemovesPriorDumps(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "1-1.req.json.zst")
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o644))

	d := New(dir, true, testLog())
	require.NotNil(t, d)

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestBegin_IncrementsSequence(t *testing.T) {
	d := New(t.TempDir(), false, testLog())
	require.NotNil(t, d)

	assert.Equal(t, int64(1), d.Begin())
	assert.Equal(t, int64(2), d.Begin())
	assert.Equal(t, int64(3), d.Begin())
}
