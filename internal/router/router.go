// Package router maps URL paths onto controller modules of the public tree.
package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/module"
	"github.com/conneroisu/treeline/internal/tree"
)

// DefaultPublic is the directory routed URLs start from.
const DefaultPublic = "public"

// Match is a routed request target.
type Match struct {
	Module *module.Module
	// PathArguments maps URL-argument directory names to the segments they
	// matched, e.g. {"__id__": "42"}.
	PathArguments map[string]string
}

// Router resolves URL paths against one registry's tree.
//
// Matching walks the public directory one segment at a time. An exact child
// directory name wins unless that directory is a URL argument; otherwise the children are scanned in registration
// order for a URL-argument directory: a name with a configured pattern
// matches when its anchored pattern matches, and any other __name__ matches
// every segment. The first match wins and there is no backtracking. Two
// catch-all siblings are a configuration error reported by Conflicts.
//
// Invariants:
//   - public is a directory node of the registry's tree
//   - every pattern is anchored at both ends
type Router struct {
	path     string
	public   *tree.Node[*module.Module]
	patterns map[string]*regexp.Regexp
}

// New creates a router rooted at the directory named public. patterns maps
// URL-argument names to regular expressions.
func New(reg *module.Registry, public string, patterns map[string]string) (*Router, error) {
	if public == "" {
		public = DefaultPublic
	}
	node := reg.Root().FindByPath(public)
	if node == nil || node.Value != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("public directory %q not found under %s", public, reg.Dir()))
	}

	compiled := make(map[string]*regexp.Regexp, len(patterns))
	for name, pattern := range patterns {
		re, err := regexp.Compile(`^(?:` + pattern + `)$`)
		if err != nil {
			return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid,
				fmt.Sprintf("URL argument %s has an invalid pattern", name))
		}
		compiled[name] = re
	}

	return &Router{path: public, public: node, patterns: compiled}, nil
}

// Route finds the controller module serving urlPath.
func (r *Router) Route(urlPath string) (*Match, bool) {
	node := r.public
	args := make(map[string]string)

	for _, seg := range segments(urlPath) {
		next := node.Child(seg)
		if next == nil || next.Value != nil || module.IsURLArgument(next.Name()) {
			next = r.matchArgument(node, seg, args)
		}
		if next == nil {
			return nil, false
		}
		node = next
	}

	m := controllerOf(node)
	if m == nil {
		return nil, false
	}
	return &Match{Module: m, PathArguments: args}, true
}

func (r *Router) matchArgument(node *tree.Node[*module.Module], seg string, args map[string]string) *tree.Node[*module.Module] {
	for _, child := range node.Children() {
		if child.Value != nil {
			continue
		}
		name := child.Name()
		if re, ok := r.patterns[name]; ok {
			if re.MatchString(seg) {
				args[name] = seg
				return child
			}
			continue
		}
		if module.IsURLArgument(name) {
			args[name] = seg
			return child
		}
	}
	return nil
}

// controllerOf returns the module a directory serves: its only scripted
// module, or the scripted module named like the directory.
func controllerOf(dir *tree.Node[*module.Module]) *module.Module {
	var candidates []*module.Module
	for _, child := range dir.Children() {
		if child.Value != nil && child.Value.HasScript() {
			candidates = append(candidates, child.Value)
		}
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	for _, m := range candidates {
		if strings.EqualFold(m.Name(), dir.Name()) {
			return m
		}
	}
	return nil
}

func segments(urlPath string) []string {
	var out []string
	for _, s := range strings.Split(urlPath, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Route is one routable URL pattern.
type Route struct {
	Pattern   string   `json:"pattern" yaml:"pattern"`
	Module    string   `json:"module" yaml:"module"`
	Arguments []string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Routes lists every routable pattern, sorted by pattern. URL-argument
// segments are written as {name}.
func (r *Router) Routes() []Route {
	var routes []Route
	var visit func(node *tree.Node[*module.Module], prefix []string, args []string)
	visit = func(node *tree.Node[*module.Module], prefix []string, args []string) {
		if m := controllerOf(node); m != nil {
			routes = append(routes, Route{
				Pattern:   "/" + strings.Join(prefix, "/"),
				Module:    m.Path(),
				Arguments: append([]string(nil), args...),
			})
		}
		for _, child := range node.Children() {
			if child.Value != nil {
				continue
			}
			name := child.Name()
			seg := name
			childArgs := args
			if _, ok := r.patterns[name]; ok || module.IsURLArgument(name) {
				seg = "{" + name + "}"
				childArgs = append(append([]string(nil), args...), name)
			}
			visit(child, append(append([]string(nil), prefix...), seg), childArgs)
		}
	}
	visit(r.public, nil, nil)

	sort.Slice(routes, func(i, j int) bool { return routes[i].Pattern < routes[j].Pattern })
	return routes
}

// Conflicts reports directories holding more than one URL argument without a
// configured pattern. Only the first of them can ever match.
func (r *Router) Conflicts() []errors.Problem {
	var problems []errors.Problem
	var visit func(node *tree.Node[*module.Module], prefix []string)
	visit = func(node *tree.Node[*module.Module], prefix []string) {
		var generic []string
		for _, child := range node.Children() {
			if child.Value != nil {
				continue
			}
			name := child.Name()
			if _, ok := r.patterns[name]; !ok && module.IsURLArgument(name) {
				generic = append(generic, name)
			}
			visit(child, append(append([]string(nil), prefix...), name))
		}
		if len(generic) > 1 {
			problems = append(problems, errors.Problem{
				Resource: strings.Join(prefix, "."),
				Message: fmt.Sprintf("URL arguments %s all match every segment; only %s is reachable",
					strings.Join(generic, ", "), generic[0]),
				Severity: errors.ErrorSeverityError,
			})
		}
	}
	visit(r.public, []string{r.path})
	return problems
}
