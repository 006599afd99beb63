// Package evaluator turns module sources and their resolved dependencies into
// live values: script exports, compiled templates and static resources.
package evaluator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/conneroisu/treeline/internal/analyzer"
	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/logging"
)

// DefaultCacheSize bounds the number of compiled scripts kept in memory.
const DefaultCacheSize = 512

// Factory is the typed, compiled form of a module: it receives the module's
// resolved dependencies in declaration order and returns its export.
type Factory func(ctx context.Context, deps []any) (any, error)

// Natives is a named set of factories.
type Natives struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewNatives creates an empty factory set.
func NewNatives() *Natives {
	return &Natives{factories: make(map[string]Factory)}
}

// Register adds or replaces a factory.
func (n *Natives) Register(name string, f Factory) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.factories[name] = f
}

// Lookup returns the factory registered under name.
func (n *Natives) Lookup(name string) (Factory, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	f, ok := n.factories[name]
	return f, ok
}

// Names returns the registered factory names, sorted.
func (n *Natives) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.factories))
	for name := range n.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultNatives = NewNatives()

// Register adds a factory to the process-wide set used by evaluators created
// without their own Natives. Applications call it from init functions.
func Register(name string, f Factory) {
	defaultNatives.Register(name, f)
}

// DefaultNatives returns the process-wide factory set.
func DefaultNatives() *Natives {
	return defaultNatives
}

// Options configures an Evaluator.
type Options struct {
	Natives   *Natives
	CacheSize int
	Logger    logging.Logger
}

// Evaluator executes module sources. It is safe for concurrent use.
type Evaluator struct {
	natives *Natives
	engine  *Engine
	scripts *lru.Cache[string, *compiledScript]
	logger  logging.Logger

	compiles atomic.Int64
}

// New creates an evaluator.
func New(opts Options) (*Evaluator, error) {
	if opts.Natives == nil {
		opts.Natives = defaultNatives
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	logger := opts.Logger.WithComponent("evaluator")
	cache, err := lru.NewWithEvict[string, *compiledScript](opts.CacheSize, func(key string, _ *compiledScript) {
		logger.Debug(context.Background(), "Evicted compiled script", "key", key)
	})
	if err != nil {
		return nil, errors.WrapInternal(err, errors.ErrCodeInternalError, "creating script cache")
	}

	return &Evaluator{
		natives: opts.Natives,
		engine:  NewEngine(),
		scripts: cache,
		logger:  logger,
	}, nil
}

// Engine returns the template engine value supplied to template dependencies.
func (e *Evaluator) Engine() *Engine {
	return e.engine
}

// Natives returns the factory set used by native().
func (e *Evaluator) Natives() *Natives {
	return e.natives
}

// Compiles reports how many script sources have been parsed so far.
func (e *Evaluator) Compiles() int64 {
	return e.compiles.Load()
}

// Unit is one source file ready for evaluation.
type Unit struct {
	// Resource is the resource path ("public.Home:html").
	Resource string
	// Name is the module's declared name, used for default titles.
	Name     string
	File     string
	Source   []byte
	Analysis *analyzer.Analysis
	// Deps holds the resolved dependency values in Analysis.References order.
	Deps []any
}

// Evaluate produces the exported value of a unit.
func (e *Evaluator) Evaluate(ctx context.Context, u Unit) (any, error) {
	if u.Analysis == nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "unit has no analysis", nil).
			WithResource(u.Resource)
	}
	if len(u.Deps) != len(u.Analysis.References) {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError,
			fmt.Sprintf("expected %d dependencies, got %d", len(u.Analysis.References), len(u.Deps)), nil).
			WithResource(u.Resource)
	}

	switch u.Analysis.Kind {
	case analyzer.KindScript:
		return e.evaluateScript(ctx, u)
	case analyzer.KindTemplate:
		return e.compileTemplate(u)
	default:
		return newResource(u), nil
	}
}

// cacheKey identifies a compiled form by resource path and content.
func cacheKey(resource string, src []byte) string {
	sum := sha256.Sum256(src)
	return resource + "@" + hex.EncodeToString(sum[:8])
}

// ContentHash returns a short, stable hash of src.
func ContentHash(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:6])
}
