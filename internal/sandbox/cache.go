package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"sort"
	"sync"

	"github.com/lucasnoah/rdloop/internal/workspace"
)

// Cache remembers successful execution results by content address.
type Cache struct {
	mu      sync.Mutex
	max     int
	order   []string
	entries map[string]workspace.ExecutionResult
}

// NewCache returns a cache holding at most max results (256 when max <= 0).
func NewCache(max int) *Cache {
	if max <= 0 {
		max = 256
	}
	return &Cache{max: max, entries: make(map[string]workspace.ExecutionResult)}
}

func (c *Cache) Get(key string) (workspace.ExecutionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[key]
	return res, ok
}

// Put stores res, evicting the oldest entry when full.
func (c *Cache) Put(key string, res workspace.ExecutionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = res
	for len(c.order) > c.max {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CacheKey hashes everything that can influence an execution: files, entry
// point, declared env, inputs (path, size and mtime) and limits.
func CacheKey(impl *workspace.Implementation, limits Limits) string {
	h := sha256.New()
	field := func(h hash.Hash, s string) {
		fmt.Fprintf(h, "%d:%s;", len(s), s)
	}

	names := make([]string, 0, len(impl.Files))
	for name := range impl.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		field(h, "file")
		field(h, name)
		field(h, impl.Files[name])
	}
	for _, a := range impl.EntryPoint {
		field(h, "argv")
		field(h, a)
	}
	keys := make([]string, 0, len(impl.Env))
	for k := range impl.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		field(h, "env")
		field(h, k+"="+impl.Env[k])
	}
	for _, in := range impl.Inputs {
		field(h, "input")
		field(h, in)
		if info, err := os.Stat(in); err == nil {
			field(h, fmt.Sprintf("%d/%d", info.Size(), info.ModTime().UnixNano()))
		}
	}
	for _, o := range impl.Outputs {
		field(h, "output")
		field(h, o)
	}
	field(h, fmt.Sprintf("limits %d %d %d %d %t", limits.Timeout, limits.MemoryBytes, limits.OutputBytes, limits.CPUTime, limits.KillOnOutputOverflow))
	return hex.EncodeToString(h.Sum(nil))
}
