package module

import (
	"context"
	"os"
	"sort"

	"github.com/conneroisu/treeline/internal/analyzer"
	"github.com/conneroisu/treeline/internal/errors"
)

// Graph statically analyzes every module file and returns resource path to
// the resource paths it references, in declaration order. References that do
// not resolve are left out; the first analysis or resolution failure is
// returned alongside the partial graph.
func (r *Registry) Graph(ctx context.Context) (map[string][]string, error) {
	collector := errors.NewErrorCollector()
	graph := r.staticGraph(ctx, collector)
	problems := collector.Problems()
	if len(problems) == 0 {
		return graph, nil
	}
	errs := make([]error, len(problems))
	for i := range problems {
		errs[i] = &problems[i]
	}
	return graph, errors.CombineErrors(errs...)
}

// Validate checks every module without evaluating it: each file must
// analyze cleanly, every reference must resolve and the static dependency
// graph must be acyclic.
func (r *Registry) Validate(ctx context.Context) []errors.Problem {
	collector := errors.NewErrorCollector()
	graph := r.staticGraph(ctx, collector)
	for _, cycle := range detectCycles(graph) {
		collector.AddError(cycle[0], errors.NewDependencyCycleError(cycle))
	}
	return collector.Problems()
}

func (r *Registry) staticGraph(ctx context.Context, collector *errors.ErrorCollector) map[string][]string {
	graph := make(map[string][]string)
	queue := r.Modules()
	seen := make(map[*Module]struct{}, len(queue))
	for _, m := range queue {
		seen[m] = struct{}{}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			collector.AddError("", err)
			return graph
		}
		m := queue[0]
		queue = queue[1:]

		for _, nickname := range m.nicknames {
			key := m.ResourcePath(nickname)
			file := m.files[nickname]
			src, err := os.ReadFile(file)
			if err != nil {
				collector.AddError(key, errors.WrapIO(err, errors.ErrCodeFileNotFound, "reading module source").
					WithLocation(file, 0, 0))
				continue
			}
			analysis, err := analyzer.Analyze(file, src)
			if err != nil {
				collector.AddError(key, err)
				continue
			}

			edges := []string{}
			for _, ref := range analysis.References {
				target, dep, err := r.staticTarget(m, file, ref)
				if err != nil {
					wrapped := errors.NewDependencyResolutionError(key, file, ref.String(), err)
					wrapped.Line = ref.Line
					collector.AddError(key, wrapped)
					continue
				}
				if dep == nil {
					continue
				}
				if _, ok := seen[dep]; !ok {
					seen[dep] = struct{}{}
					queue = append(queue, dep)
				}
				edges = append(edges, target)
			}
			graph[key] = edges
		}
	}
	return graph
}

// staticTarget resolves a reference to a resource path without loading
// anything. The engine resolves to no module.
func (r *Registry) staticTarget(m *Module, file string, ref analyzer.Reference) (string, *Module, error) {
	var (
		target   *Module
		nickname string
	)
	switch ref.Kind {
	case analyzer.RefEngine:
		return "", nil, nil
	case analyzer.RefModule:
		target, nickname = m, ref.Path
	case analyzer.RefAbsolute:
		abs := analyzer.AbsolutePath(file, ref.Path)
		if _, err := os.Stat(abs); err != nil {
			return "", nil, errors.WrapIO(err, errors.ErrCodeFileNotFound, "referenced file").WithLocation(abs, 0, 0)
		}
		fm, err := r.FileModule(abs)
		if err != nil {
			return "", nil, err
		}
		target, nickname = fm, fm.MainNickname()
	default:
		var err error
		target, nickname, err = m.Lookup(ref.Path)
		if err != nil {
			return "", nil, err
		}
	}

	if _, ok := target.File(nickname); !ok {
		return "", nil, errors.NewUnknownResourceError(errors.ErrCodeUnknownNickname,
			"module "+target.path+" has no nickname \""+nickname+"\"")
	}
	return target.ResourcePath(nickname), target, nil
}

// detectCycles returns every dependency cycle reachable in graph, each as a
// chain that ends where it starts.
func detectCycles(graph map[string][]string) [][]string {
	keys := make([]string, 0, len(graph))
	for k := range graph {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	visited := make(map[string]bool)
	var cycles [][]string
	for _, k := range keys {
		if visited[k] {
			continue
		}
		recStack := make(map[string]bool)
		if cycle := detectCycleDFS(k, graph, visited, recStack, nil); cycle != nil {
			cycles = append(cycles, cycle)
		}
	}
	return cycles
}

func detectCycleDFS(node string, graph map[string][]string, visited, recStack map[string]bool, path []string) []string {
	visited[node] = true
	recStack[node] = true
	path = append(path, node)

	for _, dep := range graph[node] {
		if !visited[dep] {
			if cycle := detectCycleDFS(dep, graph, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dep] {
			for i, p := range path {
				if p == dep {
					cycle := make([]string, len(path)-i+1)
					copy(cycle, path[i:])
					cycle[len(cycle)-1] = dep
					return cycle
				}
			}
		}
	}

	recStack[node] = false
	return nil
}
