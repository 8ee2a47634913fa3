// Package dump implements the optional request/response dump facility:
// when server.dumps_dir is configured, every forwarded request and its
// response are written to disk as zstd-compressed JSON, named by an
// atomically-incrementing sequence number so concurrent dumps never
// collide.
package dump

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/llamagate/llamagate/logging"
)

// Dumper writes request/response bodies to dir, zstd-compressed. A nil
// *Dumper is valid and a no-op, so callers don't need to branch on whether
// dumping is enabled.
type Dumper struct {
	dir string
	log *logging.LogMonitor
	seq atomic.Int64

	encoder *zstd.Encoder
}

// New returns nil if dir is empty (dumping disabled). If purge is true,
// any prior dump files in dir are removed on startup.
func New(dir string, purge bool, log *logging.LogMonitor) *Dumper {
	if dir == "" {
		return nil
	}
	if purge {
		purgeDumps(dir, log)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warnf("dump: could not create dumps_dir %s, disabling: %v", dir, err)
		return nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		log.Warnf("dump: could not initialize zstd encoder, disabling: %v", err)
		return nil
	}
	return &Dumper{dir: dir, log: log, encoder: enc}
}

func purgeDumps(dir string, log *logging.LogMonitor) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.req.json.zst"))
	if err != nil {
		return
	}
	respMatches, _ := filepath.Glob(filepath.Join(dir, "*.resp.json.zst"))
	matches = append(matches, respMatches...)
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			log.Warnf("dump: failed to purge %s: %v", m, err)
		}
	}
}

// Begin reserves the next sequence number for a request, to be used for
// both its request and (later) response dump files.
func (d *Dumper) Begin() int64 {
	if d == nil {
		return 0
	}
	return d.seq.Add(1)
}

// WriteRequest best-effort writes <timestamp>-<seq>.req.json.zst. Failures
// are logged and swallowed: a dump failure must never fail the request.
func (d *Dumper) WriteRequest(seq int64, body []byte) {
	d.write(seq, "req", body)
}

// WriteResponse mirrors WriteRequest for the response side.
func (d *Dumper) WriteResponse(seq int64, body []byte) {
	d.write(seq, "resp", body)
}

func (d *Dumper) write(seq int64, kind string, body []byte) {
	if d == nil {
		return
	}
	name := fmt.Sprintf("%d-%d.%s.json.zst", time.Now().UnixNano(), seq, kind)
	path := filepath.Join(d.dir, name)

	compressed := d.encoder.EncodeAll(body, nil)
	if err := os.WriteFile(path, compressed, 0o644); err != nil {
		d.log.Warnf("dump: failed to write %s: %v", path, err)
	}
}
