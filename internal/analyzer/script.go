package analyzer

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/conneroisu/treeline/internal/errors"
)

// DirectiveName is the attribute name of the optional leading directive.
const DirectiveName = "use"

// FileFunc is the function name of absolute-path references.
const FileFunc = "file"

// ReservedRoots are variable roots supplied by the evaluator; a traversal
// rooted at one of them is ordinary code, not a dependency declaration.
var ReservedRoots = map[string]struct{}{
	"exports": {},
	"request": {},
	"child":   {},
	"state":   {},
}

// ScriptAnalyzer scans the declaration prologue of an HCL script.
type ScriptAnalyzer struct{}

// Item is a top-level body attribute or block; exactly one field is set.
type Item struct {
	Attr  *hclsyntax.Attribute
	Block *hclsyntax.Block
	start int
}

// OrderedItems returns the top-level attributes and blocks of body in source order.
func OrderedItems(body *hclsyntax.Body) []Item {
	items := make([]Item, 0, len(body.Attributes)+len(body.Blocks))
	for _, attr := range body.Attributes {
		items = append(items, Item{Attr: attr, start: attr.SrcRange.Start.Byte})
	}
	for _, block := range body.Blocks {
		items = append(items, Item{Block: block, start: block.DefRange().Start.Byte})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].start < items[j].start })
	return items
}

// ParseScript parses HCL source into its syntax body.
func ParseScript(filename string, src []byte) (*hclsyntax.Body, error) {
	file, diags := hclsyntax.ParseConfig(src, filename, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, DiagnosticsError(filename, errors.ErrCodeScriptParse, diags)
	}

	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, errors.NewInternalError(errors.ErrCodeScriptParse, "unexpected body type", nil).
			WithLocation(filename, 1, 1)
	}

	return body, nil
}

// Analyze implements Analyzer.
func (ScriptAnalyzer) Analyze(filename string, src []byte) (*Analysis, error) {
	body, err := ParseScript(filename, src)
	if err != nil {
		return nil, err
	}

	analysis := &Analysis{Kind: KindScript, Environments: defaultEnvironments()}

	for i, it := range OrderedItems(body) {
		attr := it.Attr
		if attr == nil {
			break
		}

		if i == 0 && attr.Name == DirectiveName {
			if handled, err := applyDirective(analysis, filename, attr); err != nil {
				return nil, err
			} else if handled {
				continue
			}
		}

		ref, ok := referenceFor(filename, attr)
		if !ok {
			break
		}
		analysis.References = append(analysis.References, ref)
	}

	return analysis, nil
}

// applyDirective interprets the leading "use" attribute. It reports false
// when the attribute is not a string literal and must be treated as code.
func applyDirective(a *Analysis, filename string, attr *hclsyntax.Attribute) (bool, error) {
	if len(attr.Expr.Variables()) > 0 {
		return false, nil
	}
	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() || !val.IsKnown() || val.IsNull() || val.Type() != cty.String {
		return false, nil
	}

	var envs []Environment
	for _, word := range strings.FieldsFunc(val.AsString(), func(r rune) bool { return r == ',' || r == ' ' }) {
		switch word {
		case "server":
			envs = append(envs, EnvServer)
		case "browser":
			envs = append(envs, EnvBrowser)
		case "both":
			envs = append(envs, EnvServer, EnvBrowser)
		case "strict":
			a.Strict = true
		default:
			return false, errors.NewValidationError(errors.ErrCodeInvalidDirective, "unknown directive "+word).
				WithLocation(filename, attr.SrcRange.Start.Line, attr.SrcRange.Start.Column)
		}
	}
	if len(envs) > 0 {
		a.Environments = dedupEnvironments(envs)
	}

	return true, nil
}

func dedupEnvironments(envs []Environment) []Environment {
	seen := make(map[Environment]struct{}, len(envs))
	out := envs[:0]
	for _, e := range envs {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// referenceFor reports whether attr is a dependency declaration and returns it.
func referenceFor(filename string, attr *hclsyntax.Attribute) (Reference, bool) {
	line := attr.SrcRange.Start.Line

	if call, ok := attr.Expr.(*hclsyntax.FunctionCallExpr); ok {
		if call.Name != FileFunc || len(call.Args) != 1 || len(call.Args[0].Variables()) > 0 {
			return Reference{}, false
		}
		val, diags := call.Args[0].Value(nil)
		if diags.HasErrors() || !val.IsKnown() || val.IsNull() || val.Type() != cty.String {
			return Reference{}, false
		}
		return Reference{
			LocalName: attr.Name,
			Kind:      RefAbsolute,
			Path:      AbsolutePath(filename, val.AsString()),
			Line:      line,
		}, true
	}

	if _, ok := attr.Expr.(*hclsyntax.ScopeTraversalExpr); !ok {
		return Reference{}, false
	}
	traversal, diags := hcl.AbsTraversalForExpr(attr.Expr)
	if diags.HasErrors() {
		return Reference{}, false
	}

	segments, ok := dottedSegments(traversal)
	if !ok {
		return Reference{}, false
	}
	if _, reserved := ReservedRoots[segments[0]]; reserved {
		return Reference{}, false
	}

	if segments[0] == ModulePrefix {
		if len(segments) < 2 {
			return Reference{}, false
		}
		return Reference{LocalName: attr.Name, Kind: RefModule, Path: strings.Join(segments[1:], "."), Line: line}, true
	}

	return Reference{LocalName: attr.Name, Kind: RefTree, Path: strings.Join(segments, "."), Line: line}, true
}

// dottedSegments returns the names of a traversal made only of attribute steps.
func dottedSegments(traversal hcl.Traversal) ([]string, bool) {
	segments := make([]string, 0, len(traversal))
	for _, step := range traversal {
		switch s := step.(type) {
		case hcl.TraverseRoot:
			segments = append(segments, s.Name)
		case hcl.TraverseAttr:
			segments = append(segments, s.Name)
		default:
			return nil, false
		}
	}
	return segments, len(segments) > 0
}

// AbsolutePath resolves a file reference relative to the referencing file.
func AbsolutePath(fromFile, ref string) string {
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref)
	}
	return filepath.Join(filepath.Dir(fromFile), ref)
}

// DiagnosticsError converts HCL diagnostics into a located error.
func DiagnosticsError(filename, code string, diags hcl.Diagnostics) *errors.TreelineError {
	err := &errors.TreelineError{
		Type:     errors.ErrorTypeEvaluation,
		Code:     code,
		Message:  diags.Error(),
		FilePath: filename,
	}
	for _, d := range diags {
		if d.Severity == hcl.DiagError && d.Subject != nil {
			err.Line = d.Subject.Start.Line
			err.Column = d.Subject.Start.Column
			break
		}
	}
	return err
}
