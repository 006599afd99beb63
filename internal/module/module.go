// Package module builds the module tree from a directory and resolves module
// objects on demand.
//
// A module is a group of files sharing a stem: Post.hcl, Post.html and
// Post_row.html form the module Post with nicknames "", "html" and
// "row.html". Every nickname is evaluated at most once per registry; callers
// racing on the same nickname share the single evaluation's result.
package module

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/treeline/internal/analyzer"
	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/evaluator"
	"github.com/conneroisu/treeline/internal/tree"
)

const (
	// MainAlias is accepted as a name for the main script nickname.
	MainAlias = "hcl"
	// MainTemplate is the nickname of a module's main template.
	MainTemplate = "html"
)

// entryState is the lifecycle of one nickname.
type entryState int

const (
	stateUnloaded entryState = iota
	stateLoading
	stateLoaded
	stateFailed
)

// entry caches one nickname. value and err are written once, before done is
// closed, and are read only after done is closed.
type entry struct {
	state entryState
	done  chan struct{}
	value any
	err   error
}

// Module is a tree leaf grouping same-stem files.
type Module struct {
	registry *Registry
	node     *tree.Node[*Module]
	name     string
	path     string
	dir      string

	files     map[string]string
	nicknames []string

	mu      sync.Mutex
	entries map[string]*entry
}

func newModule(r *Registry, name, dir string) *Module {
	return &Module{
		registry: r,
		name:     name,
		dir:      dir,
		files:    make(map[string]string),
		entries:  make(map[string]*entry),
	}
}

// Name returns the declared module name (the file stem).
func (m *Module) Name() string { return m.name }

// Path returns the dot-joined module path, e.g. "public.blog.Post". File
// modules use their absolute file path.
func (m *Module) Path() string { return m.path }

// Dir returns the directory the module's files live in.
func (m *Module) Dir() string { return m.dir }

// Node returns the module's tree node.
func (m *Module) Node() *tree.Node[*Module] { return m.node }

// Nicknames returns the module's nicknames in discovery order.
func (m *Module) Nicknames() []string {
	out := make([]string, len(m.nicknames))
	copy(out, m.nicknames)
	return out
}

// Files returns nickname to file path.
func (m *Module) Files() map[string]string {
	out := make(map[string]string, len(m.files))
	for k, v := range m.files {
		out[k] = v
	}
	return out
}

// File returns the file behind a nickname.
func (m *Module) File(nickname string) (string, bool) {
	f, ok := m.files[m.canonical(nickname)]
	return f, ok
}

// HasScript reports whether the module has a main script.
func (m *Module) HasScript() bool {
	_, ok := m.files[""]
	return ok
}

// MainNickname returns the nickname of the module's main object: the main
// script, else the main template, else the first nickname discovered.
func (m *Module) MainNickname() string {
	if m.HasScript() || len(m.nicknames) == 0 {
		return ""
	}
	if _, ok := m.files[MainTemplate]; ok {
		return MainTemplate
	}
	return m.nicknames[0]
}

// ResourcePath returns "modulePath:nickname".
func (m *Module) ResourcePath(nickname string) string {
	return m.path + ":" + m.canonical(nickname)
}

func (m *Module) canonical(nickname string) string {
	if nickname == MainAlias {
		if _, ok := m.files[MainAlias]; !ok {
			return ""
		}
	}
	return nickname
}

// Main returns the module's main object.
func (m *Module) Main(ctx context.Context) (any, error) {
	return m.Object(ctx, m.MainNickname())
}

// Object returns the evaluated export of a nickname, evaluating it on first
// use. Cancelling ctx stops waiting; the evaluation itself runs to completion
// and stays cached.
func (m *Module) Object(ctx context.Context, nickname string) (any, error) {
	return m.object(ctx, nickname, "")
}

// GetObject is the callback form of Object. cb runs on its own goroutine
// exactly once.
func (m *Module) GetObject(ctx context.Context, nickname string, cb func(any, error)) {
	go func() {
		cb(m.Object(ctx, nickname))
	}()
}

// object implements the entry protocol. requester is the resource path of the
// load waiting on this object, or empty for an outside caller; it feeds the
// registry's wait-for graph.
func (m *Module) object(ctx context.Context, nickname, requester string) (any, error) {
	nickname = m.canonical(nickname)
	key := m.ResourcePath(nickname)

	file, ok := m.files[nickname]
	if !ok {
		return nil, errors.NewUnknownResourceError(errors.ErrCodeUnknownNickname,
			fmt.Sprintf("module %s has no file with nickname %q", m.path, nickname)).
			WithResource(key)
	}

	m.mu.Lock()
	e, ok := m.entries[nickname]
	if !ok {
		e = &entry{}
		m.entries[nickname] = e
	}
	switch e.state {
	case stateLoaded:
		m.mu.Unlock()
		m.registry.metrics.CacheHit()
		return e.value, nil
	case stateFailed:
		m.mu.Unlock()
		return nil, e.err
	case stateUnloaded:
		e.state = stateLoading
		e.done = make(chan struct{})
		m.mu.Unlock()
		go m.load(context.WithoutCancel(ctx), nickname, file, e)
	default:
		m.mu.Unlock()
	}

	if requester != "" {
		if err := m.registry.waits.add(requester, key); err != nil {
			return nil, err
		}
		defer m.registry.waits.remove(requester, key)
	}

	select {
	case <-e.done:
		return e.value, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load reads, analyzes, resolves and evaluates one nickname, then settles
// its entry.
func (m *Module) load(ctx context.Context, nickname, file string, e *entry) {
	key := m.ResourcePath(nickname)
	start := time.Now()

	ctx, span := m.registry.tracer.Start(ctx, "module.load",
		trace.WithAttributes(attribute.String("resource", key)))
	value, kind, err := m.evaluate(ctx, nickname, file)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	elapsed := time.Since(start)
	m.registry.metrics.ObserveLoad(kind.String(), elapsed, err)
	if err != nil {
		m.registry.logger.Warn(ctx, err, "Module load failed", "resource", key)
	} else {
		m.registry.logger.Debug(ctx, "Module loaded", "resource", key, "duration", elapsed)
	}

	m.mu.Lock()
	if err != nil {
		e.state, e.err = stateFailed, err
	} else {
		e.state, e.value = stateLoaded, value
	}
	close(e.done)
	m.mu.Unlock()
}

func (m *Module) evaluate(ctx context.Context, nickname, file string) (any, analyzer.SourceKind, error) {
	key := m.ResourcePath(nickname)
	kind := analyzer.KindOf(file)

	src, err := os.ReadFile(file)
	if err != nil {
		return nil, kind, errors.WrapIO(err, errors.ErrCodeFileNotFound, "reading module source").
			WithResource(key).WithLocation(file, 0, 0)
	}

	m.registry.analyses.Add(1)
	analysis, err := analyzer.Analyze(file, src)
	if err != nil {
		return nil, kind, errors.Wrap(err, errors.ErrorTypeEvaluation, errors.ErrCodeScriptParse, "analyzing module").
			WithResource(key)
	}

	deps, err := m.resolveAll(ctx, key, file, analysis.References)
	if err != nil {
		return nil, kind, err
	}

	value, err := m.registry.eval.Evaluate(ctx, evaluator.Unit{
		Resource: key,
		Name:     m.name,
		File:     file,
		Source:   src,
		Analysis: analysis,
		Deps:     deps,
	})
	return value, kind, err
}

// resolveAll resolves every reference concurrently. Values keep declaration
// order; the first failing reference in declaration order is surfaced and the
// others are attached as related errors.
func (m *Module) resolveAll(ctx context.Context, key, file string, refs []analyzer.Reference) ([]any, error) {
	deps := make([]any, len(refs))
	errs := make([]error, len(refs))

	var g errgroup.Group
	for i, ref := range refs {
		g.Go(func() error {
			v, err := m.resolveDependency(ctx, ref, file, key)
			if err != nil {
				wrapped := errors.NewDependencyResolutionError(key, file, ref.String(), err)
				wrapped.Line = ref.Line
				errs[i] = wrapped
				return wrapped
			}
			deps[i] = v
			return nil
		})
	}
	if g.Wait() == nil {
		return deps, nil
	}

	var first *errors.TreelineError
	var related []error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if first == nil {
			first = err.(*errors.TreelineError)
			continue
		}
		related = append(related, err)
	}
	return nil, first.WithRelated(related...)
}

// resolveDependency turns one reference into a value.
func (m *Module) resolveDependency(ctx context.Context, ref analyzer.Reference, file, requester string) (any, error) {
	switch ref.Kind {
	case analyzer.RefEngine:
		return m.registry.eval.Engine(), nil
	case analyzer.RefModule:
		return m.object(ctx, ref.Path, requester)
	case analyzer.RefAbsolute:
		target, err := m.registry.FileModule(analyzer.AbsolutePath(file, ref.Path))
		if err != nil {
			return nil, err
		}
		return target.object(ctx, target.MainNickname(), requester)
	default:
		target, nickname, err := m.Lookup(ref.Path)
		if err != nil {
			return nil, err
		}
		return target.object(ctx, nickname, requester)
	}
}

// Lookup resolves a dotted tree reference lexically: from the module's
// directory, then every ancestor directory up to the tree root. Segments
// past a module name are its nickname; a bare module path means its main
// object.
func (m *Module) Lookup(ref string) (*Module, string, error) {
	for _, scope := range m.scopes() {
		if target, nickname, ok := descend(scope, splitPath(ref)); ok {
			if nickname == "" {
				nickname = target.MainNickname()
			}
			return target, nickname, nil
		}
	}
	return nil, "", errors.NewUnknownResourceError(errors.ErrCodeUnknownModule,
		fmt.Sprintf("no module found for reference %q from %s", ref, m.path))
}

// scopes lists the directories searched by Lookup, nearest first.
func (m *Module) scopes() []*tree.Node[*Module] {
	var parent *tree.Node[*Module]
	if m.node != nil {
		parent = m.node.Parent()
	}
	if parent == nil {
		return []*tree.Node[*Module]{m.registry.root}
	}
	ancestors, err := parent.AncestorsIncludingSelf()
	if err != nil {
		return []*tree.Node[*Module]{m.registry.root}
	}
	return ancestors
}

// descend walks segments below dir until it reaches a module; the remaining
// segments form the nickname.
func descend(dir *tree.Node[*Module], segments []string) (*Module, string, bool) {
	node := dir
	for i, seg := range segments {
		node = node.Child(seg)
		if node == nil {
			return nil, "", false
		}
		if node.Value != nil {
			return node.Value, joinPath(segments[i+1:]), true
		}
	}
	return nil, "", false
}

// Loaded lists the resource paths evaluated successfully so far, sorted.
func (m *Module) Loaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for nick, e := range m.entries {
		if e.state == stateLoaded {
			out = append(out, m.path+":"+nick)
		}
	}
	sort.Strings(out)
	return out
}
