package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/llamagate/llamagate/logging"
)

// TokenizerCache memoizes offline tokenizer-subprocess invocations keyed by
// a hash of (binary, base_args, extra_args, text), persisted to a small
// CBOR file so repeated estimation of the same system prompt / tool schema
// prefix across requests and across restarts doesn't repeatedly spawn the
// tokenizer binary. The cache is best-effort: it never fails a request,
// only degrades to "just run the tokenizer again".
type TokenizerCache struct {
	mu   sync.Mutex
	path string
	log  *logging.LogMonitor

	entries map[string]int
	dirty   bool
}

// NewTokenizerCache loads path if it exists; a missing or corrupt file
// simply starts with an empty cache.
func NewTokenizerCache(path string, log *logging.LogMonitor) *TokenizerCache {
	c := &TokenizerCache{
		path:    path,
		log:     log,
		entries: make(map[string]int),
	}
	c.load()
	return c
}

func (c *TokenizerCache) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return // fine: cache starts empty, including "file doesn't exist yet"
	}
	var entries map[string]int
	if err := cbor.Unmarshal(data, &entries); err != nil {
		c.log.Warnf("tokenizer cache: discarding unreadable cache file %s: %v", c.path, err)
		return
	}
	c.entries = entries
}

func (c *TokenizerCache) key(binary string, baseArgs, extraArgs []string, text string) string {
	h := sha256.New()
	h.Write([]byte(binary))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(baseArgs, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(extraArgs, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *TokenizerCache) Get(binary string, baseArgs, extraArgs []string, text string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.entries[c.key(binary, baseArgs, extraArgs, text)]
	return n, ok
}

func (c *TokenizerCache) Put(binary string, baseArgs, extraArgs []string, text string, count int) {
	c.mu.Lock()
	c.entries[c.key(binary, baseArgs, extraArgs, text)] = count
	c.dirty = true
	c.mu.Unlock()
}

// Flush persists the cache to disk if it has unsaved entries. Failures are
// logged, never returned — this is a convenience cache, not a database.
func (c *TokenizerCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.path == "" || !c.dirty {
		return
	}

	data, err := cbor.Marshal(c.entries)
	if err != nil {
		c.log.Warnf("tokenizer cache: failed to encode: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		c.log.Warnf("tokenizer cache: failed to create directory: %v", err)
		return
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		c.log.Warnf("tokenizer cache: failed to write %s: %v", c.path, err)
		return
	}
	c.dirty = false
}
