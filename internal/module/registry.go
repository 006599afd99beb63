package module

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/evaluator"
	"github.com/conneroisu/treeline/internal/logging"
	"github.com/conneroisu/treeline/internal/metrics"
	"github.com/conneroisu/treeline/internal/tree"
)

const tracerName = "github.com/conneroisu/treeline/internal/module"

// Options configures Build.
type Options struct {
	// Evaluator runs module sources. One is created when nil.
	Evaluator *evaluator.Evaluator
	Logger    logging.Logger
	Metrics   *metrics.Collectors
	// Skip holds glob patterns; files and directories whose root-relative
	// slash path or base name matches one are not part of the tree.
	Skip []string
}

// Registry owns a module tree together with every cache derived from it. A
// registry is never partially invalidated: reloading means building a new
// one.
type Registry struct {
	dir     string
	root    *tree.Node[*Module]
	modules []*Module
	byPath  map[string]*Module

	eval    *evaluator.Evaluator
	logger  logging.Logger
	metrics *metrics.Collectors
	tracer  trace.Tracer

	mu          sync.Mutex
	fileModules map[string]*Module

	waits    *waitGraph
	analyses atomic.Int64
}

// Dir returns the absolute directory the tree was built from.
func (r *Registry) Dir() string { return r.dir }

// Root returns the unnamed tree root. Directory nodes carry a nil Value;
// module leaves carry their *Module.
func (r *Registry) Root() *tree.Node[*Module] { return r.root }

// Evaluator returns the evaluator the registry loads modules with.
func (r *Registry) Evaluator() *evaluator.Evaluator { return r.eval }

// Modules returns every tree module in walk order.
func (r *Registry) Modules() []*Module {
	out := make([]*Module, len(r.modules))
	copy(out, r.modules)
	return out
}

// Module returns the module with the given module path.
func (r *Registry) Module(path string) (*Module, bool) {
	m, ok := r.byPath[path]
	return m, ok
}

// Analyses reports how many source files have been analyzed for loading.
func (r *Registry) Analyses() int64 {
	return r.analyses.Load()
}

// Object resolves a resource path ("public.Home:html", or a bare module path
// for the main object).
func (r *Registry) Object(ctx context.Context, resource string) (any, error) {
	path, nickname, hasNick := strings.Cut(resource, ":")
	m, ok := r.byPath[path]
	if !ok {
		return nil, errors.NewUnknownResourceError(errors.ErrCodeUnknownModule,
			fmt.Sprintf("no module with path %q", path))
	}
	if !hasNick {
		nickname = m.MainNickname()
	}
	return m.Object(ctx, nickname)
}

// FileModule returns the singleton module wrapping one file, creating it on
// first use. Its only nickname is derived from the file name.
func (r *Registry) FileModule(abs string) (*Module, error) {
	abs = filepath.Clean(abs)

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.fileModules[abs]; ok {
		return m, nil
	}

	base := filepath.Base(abs)
	stem := moduleName(base)
	if stem == "" {
		return nil, errors.NewModuleNamingError(abs, "cannot derive a module name from "+base)
	}
	m := newModule(r, stem, filepath.Dir(abs))
	m.path = abs
	nickname := nicknameFor(stem, base)
	m.files[nickname] = abs
	m.nicknames = []string{nickname}
	m.node = tree.New(stem, m)

	r.fileModules[abs] = m
	return m, nil
}

// waitGraph records which loads are blocked on which resources. An edge that
// would close a loop is refused, which turns a dependency cycle into an error
// instead of a deadlock.
type waitGraph struct {
	mu    sync.Mutex
	edges map[string]map[string]int
}

func newWaitGraph() *waitGraph {
	return &waitGraph{edges: make(map[string]map[string]int)}
}

func (g *waitGraph) add(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if chain := g.pathLocked(to, from, map[string]bool{}); chain != nil {
		return errors.NewDependencyCycleError(append([]string{from}, chain...))
	}
	if g.edges[from] == nil {
		g.edges[from] = make(map[string]int)
	}
	g.edges[from][to]++
	return nil
}

func (g *waitGraph) remove(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	targets := g.edges[from]
	if targets == nil {
		return
	}
	targets[to]--
	if targets[to] <= 0 {
		delete(targets, to)
	}
	if len(targets) == 0 {
		delete(g.edges, from)
	}
}

// pathLocked returns a chain of resources leading from start to goal,
// inclusive, or nil.
func (g *waitGraph) pathLocked(start, goal string, visited map[string]bool) []string {
	if start == goal {
		return []string{start}
	}
	if visited[start] {
		return nil
	}
	visited[start] = true
	for next := range g.edges[start] {
		if rest := g.pathLocked(next, goal, visited); rest != nil {
			return append([]string{start}, rest...)
		}
	}
	return nil
}

// size returns the number of blocked loads.
func (g *waitGraph) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

func newRegistry(dir string, opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	eval := opts.Evaluator
	if eval == nil {
		var err error
		eval, err = evaluator.New(evaluator.Options{Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
	}
	return &Registry{
		dir:         dir,
		root:        tree.New[*Module]("", nil),
		byPath:      make(map[string]*Module),
		eval:        eval,
		logger:      opts.Logger.WithComponent("module"),
		metrics:     opts.Metrics,
		tracer:      otel.Tracer(tracerName),
		fileModules: make(map[string]*Module),
		waits:       newWaitGraph(),
	}, nil
}
