package eventlog

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gampwise/internal/faults"
)

// Stable context keys shared by the engine stages.
const (
	KeyDocument             = "document"
	KeyCategoryResult       = "category_result"
	KeyConsultationCategory = "consultation_category"
	KeyAgentResults         = "agent_results"
	KeySuite                = "suite"
	KeyConsultationQuality  = "consultation_quality"
)

var (
	// ErrMissingKey is returned when a required context key was never written.
	ErrMissingKey = errors.New("eventlog: missing context key")

	// ErrKeyExists is returned when a write-once key is written twice.
	ErrKeyExists = errors.New("eventlog: context key already written")
)

// Entry is one versioned context value.
type Entry struct {
	Value   any
	Version int
	Reason  string // set on overwrite
}

// Context is the per-run key-value store. Keys are write-once; the only
// way to replace a value is Overwrite, which requires a reason and bumps
// the version. Reads of absent keys fail instead of returning zero values.
type Context struct {
	runID string

	mu      sync.RWMutex
	entries map[string]Entry
	history map[string][]Entry
}

// NewContext creates an empty context for runID.
func NewContext(runID string) *Context {
	return &Context{
		runID:   runID,
		entries: make(map[string]Entry),
		history: make(map[string][]Entry),
	}
}

// Put writes key once.
func (c *Context) Put(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return faults.New(faults.KindStateInvariant, "context", "put",
			fmt.Errorf("%w: %q in run %s", ErrKeyExists, key, c.runID))
	}
	e := Entry{Value: value, Version: 1}
	c.entries[key] = e
	c.history[key] = append(c.history[key], e)
	return nil
}

// Overwrite replaces an existing value on a recovery path. The previous
// version stays in History.
func (c *Context) Overwrite(key string, value any, reason string) error {
	if reason == "" {
		return faults.Invariant("context", "overwrite of %q requires a reason", key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.entries[key]
	if !ok {
		return faults.New(faults.KindStateInvariant, "context", "overwrite",
			fmt.Errorf("%w: %q in run %s", ErrMissingKey, key, c.runID))
	}
	e := Entry{Value: value, Version: prev.Version + 1, Reason: reason}
	c.entries[key] = e
	c.history[key] = append(c.history[key], e)
	return nil
}

// Get returns the current value of key.
func (c *Context) Get(key string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, faults.New(faults.KindStateInvariant, "context", "get",
			fmt.Errorf("%w: %q in run %s", ErrMissingKey, key, c.runID))
	}
	return e.Value, nil
}

// Has reports whether key was written.
func (c *Context) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}

// Version returns the current version of key, 0 when absent.
func (c *Context) Version(key string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[key].Version
}

// History returns every version written for key, oldest first.
func (c *Context) History(key string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.history[key]))
	copy(out, c.history[key])
	return out
}

// Keys returns the written keys, sorted.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup reads key and asserts its type. A wrong type is an engine bug.
func Lookup[T any](c *Context, key string) (T, error) {
	var zero T
	v, err := c.Get(key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, faults.Invariant("context", "key %q holds %T, want %T", key, v, zero)
	}
	return t, nil
}
