package executor

import (
	"fmt"
	"regexp"
	"sync"
)

// JobContext is the per-job key/value map that carries values between
// actions: deploy publishes resolved image paths and addresses, boot and
// test consume them. Keys are write-once so an action cannot silently
// clobber a value another action already depends on.
type JobContext struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewJobContext creates a context seeded with the job's metadata.
func NewJobContext(seed map[string]string) *JobContext {
	values := make(map[string]string, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &JobContext{values: values}
}

// Set stores a value. Overwriting an existing key is an error.
func (c *JobContext) Set(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, exists := c.values[key]; exists && prev != value {
		return fmt.Errorf("context key %q already set to %q", key, prev)
	}
	c.values[key] = value
	return nil
}

// Get returns the value for key.
func (c *JobContext) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Snapshot returns a copy of the current contents.
func (c *JobContext) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

var runtimePlaceholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Resolve substitutes {key} placeholders deferred by the parser against the
// values published so far. A reference that is still missing at execution
// time is an error: the declaring deploy action failed to publish it.
func (c *JobContext) Resolve(val string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var missing string
	out := runtimePlaceholderRe.ReplaceAllStringFunc(val, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := c.values[key]; ok {
			return v
		}
		if missing == "" {
			missing = key
		}
		return m
	})
	if missing != "" {
		return "", fmt.Errorf("context value %q not published", missing)
	}
	return out, nil
}
