package controller

import (
	"sync"

	"github.com/conneroisu/treeline/internal/logging"
)

// Context is the per-request state shared by every layer of a chain.
type Context struct {
	Request *Request
	Nav     *Navigation
	Logger  logging.Logger
	// ID is the request id.
	ID string

	mu    sync.RWMutex
	state map[string]any
	args  map[string][]any
}

// NewContext creates a context for one request.
func NewContext(id string, req *Request, logger logging.Logger) *Context {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Context{
		Request: req,
		Nav:     &Navigation{},
		Logger:  logger,
		ID:      id,
		state:   make(map[string]any),
		args:    make(map[string][]any),
	}
}

// Set stores a value visible to later hooks of any layer.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	c.state[key] = value
	c.mu.Unlock()
}

// Get reads a value stored with Set.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.state[key]
	return v, ok
}

// State returns a copy of all stored values.
func (c *Context) State() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out
}

// SetArgs records the preload result of a layer for hydration.
func (c *Context) SetArgs(layer string, args []any) {
	c.mu.Lock()
	c.args[layer] = args
	c.mu.Unlock()
}

// Args returns the recorded preload results keyed by layer name.
func (c *Context) Args() map[string][]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]any, len(c.args))
	for k, v := range c.args {
		out[k] = v
	}
	return out
}
