package evaluator

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/treeline/internal/controller"
	"github.com/conneroisu/treeline/internal/errors"
)

// controllerAttributes are the attributes a controller block accepts.
var controllerAttributes = map[string]struct{}{
	"name":    {},
	"parent":  {},
	"title":   {},
	"meta":    {},
	"body":    {},
	"bundles": {},
}

// declareController turns a controller block into a layer. parent, name and
// bundles are evaluated now; title, meta and body are evaluated per request
// with the variables child, request and state.
func (r *scriptRun) declareController(block *hclsyntax.Block) (*controller.Class, error) {
	for name, attr := range block.Body.Attributes {
		if _, ok := controllerAttributes[name]; !ok {
			return nil, r.locatedError(attr.SrcRange, fmt.Errorf("unsupported controller attribute %q", name))
		}
	}
	if len(block.Body.Blocks) > 0 {
		return nil, r.locatedError(block.Body.Blocks[0].TypeRange, fmt.Errorf("controller blocks take no nested blocks"))
	}

	class := &controller.Class{Name: r.unit.Name}
	attrs := block.Body.Attributes

	if attr, ok := attrs["name"]; ok {
		val, diags := attr.Expr.Value(r.evalContext(nil))
		if diags.HasErrors() {
			return nil, r.diagnosticsError(diags)
		}
		if val.Type() != cty.String || val.IsNull() {
			return nil, r.locatedError(attr.SrcRange, fmt.Errorf("controller name must be a string"))
		}
		class.Name = val.AsString()
	}

	if attr, ok := attrs["parent"]; ok {
		val, diags := attr.Expr.Value(r.evalContext(nil))
		if diags.HasErrors() {
			return nil, r.diagnosticsError(diags)
		}
		raw, err := FromCty(val)
		if err != nil {
			return nil, r.locatedError(attr.SrcRange, err)
		}
		parent, ok := raw.(*controller.Class)
		if !ok && raw != nil {
			return nil, r.locatedError(attr.SrcRange, fmt.Errorf("controller parent is %T, not a controller", raw))
		}
		class.Parent = parent
	}

	if attr, ok := attrs["bundles"]; ok {
		val, diags := attr.Expr.Value(r.evalContext(nil))
		if diags.HasErrors() {
			return nil, r.diagnosticsError(diags)
		}
		list, err := convert.Convert(val, cty.List(cty.String))
		if err != nil {
			return nil, r.locatedError(attr.SrcRange, fmt.Errorf("bundles must be a list of strings: %w", err))
		}
		for it := list.ElementIterator(); it.Next(); {
			_, v := it.Element()
			class.Bundles = append(class.Bundles, v.AsString())
		}
	}

	base := r.evalContext(nil)
	if attr, ok := attrs["title"]; ok {
		class.Title = r.renderHook(base, attr)
	} else if class.Parent == nil {
		class.Title = defaultTitle(class.Name)
	}
	if attr, ok := attrs["meta"]; ok {
		class.Meta = r.renderHook(base, attr)
	}
	if attr, ok := attrs["body"]; ok {
		class.Body = r.renderHook(base, attr)
	}

	return class, nil
}

// defaultTitle titles a page after its module when the leaf sets nothing.
func defaultTitle(name string) controller.RenderFunc {
	title := cases.Title(language.English).String(name)
	return func(_ *controller.Context, child string) (string, error) {
		if child != "" {
			return child, nil
		}
		return title, nil
	}
}

func (r *scriptRun) renderHook(base *hcl.EvalContext, attr *hclsyntax.Attribute) controller.RenderFunc {
	unit := r.unit
	return func(c *controller.Context, child string) (string, error) {
		scope := base.NewChild()
		scope.Variables = map[string]cty.Value{
			"child":   cty.StringVal(child),
			"request": requestValue(c),
			"state":   ToCty(c.State()),
		}

		val, diags := attr.Expr.Value(scope)
		if diags.HasErrors() {
			located := errorsFromDiags(unit, diags, attr.SrcRange.Start.Line)
			return "", located
		}
		if val.IsNull() {
			return "", nil
		}
		str, err := convert.Convert(val, cty.String)
		if err != nil {
			return "", errors.NewEvaluationError(unit.Resource, unit.File, attr.SrcRange.Start.Line,
				fmt.Errorf("%s must be a string: %w", attr.Name, err))
		}
		return str.AsString(), nil
	}
}

func requestValue(c *controller.Context) cty.Value {
	if c == nil || c.Request == nil {
		return cty.EmptyObjectVal
	}
	return cty.ObjectVal(map[string]cty.Value{
		"path":  cty.StringVal(c.Request.Path()),
		"url":   cty.StringVal(c.Request.URL()),
		"args":  ToCty(c.Request.PathArguments()),
		"query": ToCty(c.Request.Query()),
	})
}

func (r *scriptRun) locatedError(rng hcl.Range, err error) error {
	return errors.NewEvaluationError(r.unit.Resource, r.unit.File, rng.Start.Line, err)
}

func errorsFromDiags(u Unit, diags hcl.Diagnostics, fallbackLine int) error {
	run := &scriptRun{unit: u, line: fallbackLine}
	return run.diagnosticsError(diags)
}
