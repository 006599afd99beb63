package analyzer

import (
	"sort"
	"strconv"
	"strings"
	"text/template/parse"

	"github.com/conneroisu/treeline/internal/errors"
)

// EngineLocalName is the local name bound to the template engine reference.
const EngineLocalName = "engine"

// TemplateAnalyzer finds the partials a template includes.
type TemplateAnalyzer struct{}

// Analyze implements Analyzer. The engine is always the first reference;
// partials follow in order of first use.
func (TemplateAnalyzer) Analyze(filename string, src []byte) (*Analysis, error) {
	trees, err := ParseTemplateTrees(filename, string(src))
	if err != nil {
		return nil, err
	}

	analysis := &Analysis{
		Kind:         KindTemplate,
		Environments: defaultEnvironments(),
		References: []Reference{{
			LocalName: EngineLocalName,
			Kind:      RefEngine,
			Path:      EngineName,
		}},
	}

	seen := make(map[string]struct{})
	for _, name := range sortedTreeNames(trees) {
		WalkTemplateNodes(trees[name].Root, func(n *parse.TemplateNode) {
			if _, defined := trees[n.Name]; defined {
				return
			}
			if _, dup := seen[n.Name]; dup {
				return
			}
			seen[n.Name] = struct{}{}

			ref := ParseTreePath(n.Name, n.Name)
			if ref.Kind == RefAbsolute {
				ref.Path = AbsolutePath(filename, ref.Path)
			}
			ref.Line = lineOf(trees[name], n)
			analysis.References = append(analysis.References, ref)
		})
	}

	return analysis, nil
}

// ParseTemplateTrees parses src into its named trees without checking that
// called functions exist; the engine's function map is applied at compile time.
func ParseTemplateTrees(filename, src string) (map[string]*parse.Tree, error) {
	trees := make(map[string]*parse.Tree)
	t := parse.New(filename)
	t.Mode = parse.SkipFuncCheck | parse.ParseComments
	if _, err := t.Parse(src, "", "", trees); err != nil {
		return nil, &errors.TreelineError{
			Type:     errors.ErrorTypeEvaluation,
			Code:     errors.ErrCodeTemplateParse,
			Message:  err.Error(),
			FilePath: filename,
		}
	}
	return trees, nil
}

// sortedTreeNames puts the file's own tree first so partial order follows the
// main body, then any {{define}} blocks by name.
func sortedTreeNames(trees map[string]*parse.Tree) []string {
	names := make([]string, 0, len(trees))
	for name := range trees {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ti, tj := trees[names[i]], trees[names[j]]
		if ti.ParseName == ti.Name && tj.ParseName != tj.Name {
			return true
		}
		if tj.ParseName == tj.Name && ti.ParseName != ti.Name {
			return false
		}
		return names[i] < names[j]
	})
	return names
}

func lineOf(tree *parse.Tree, n parse.Node) int {
	// ErrorContext reports "name:line:col".
	loc, _ := tree.ErrorContext(n)
	parts := strings.Split(loc, ":")
	if len(parts) < 3 {
		return 0
	}
	line, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0
	}
	return line
}

// WalkTemplateNodes calls fn for every {{template}} action below node.
func WalkTemplateNodes(node parse.Node, fn func(*parse.TemplateNode)) {
	switch n := node.(type) {
	case nil:
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, child := range n.Nodes {
			WalkTemplateNodes(child, fn)
		}
	case *parse.TemplateNode:
		fn(n)
	case *parse.IfNode:
		WalkTemplateNodes(n.List, fn)
		WalkTemplateNodes(n.ElseList, fn)
	case *parse.RangeNode:
		WalkTemplateNodes(n.List, fn)
		WalkTemplateNodes(n.ElseList, fn)
	case *parse.WithNode:
		WalkTemplateNodes(n.List, fn)
		WalkTemplateNodes(n.ElseList, fn)
	}
}
