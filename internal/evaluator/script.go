package evaluator

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/conneroisu/treeline/internal/analyzer"
	"github.com/conneroisu/treeline/internal/errors"
)

// ExportName is the attribute that explicitly sets a script's export.
const ExportName = "export"

// ControllerBlock is the block type declaring a controller layer.
const ControllerBlock = "controller"

// compiledScript is a parsed script with its prologue stripped. It holds no
// per-evaluation state and is shared between evaluations.
type compiledScript struct {
	file       string
	params     []string
	body       []analyzer.Item
	controller *hclsyntax.Block
}

func (e *Evaluator) compileScript(u Unit) (*compiledScript, error) {
	key := cacheKey(u.Resource, u.Source)
	if cs, ok := e.scripts.Get(key); ok {
		return cs, nil
	}

	body, err := analyzer.ParseScript(u.File, u.Source)
	if err != nil {
		return nil, err
	}
	e.compiles.Add(1)

	params := make([]string, len(u.Analysis.References))
	prologue := make(map[string]struct{}, len(params)+1)
	for i, ref := range u.Analysis.References {
		params[i] = ref.LocalName
		prologue[ref.LocalName] = struct{}{}
	}

	cs := &compiledScript{file: u.File, params: params}
	for i, it := range analyzer.OrderedItems(body) {
		if it.Attr != nil {
			if _, ok := prologue[it.Attr.Name]; ok {
				continue
			}
			if isDirective(i, it.Attr) {
				continue
			}
			cs.body = append(cs.body, it)
			continue
		}

		if it.Block.Type != ControllerBlock {
			return nil, &errors.TreelineError{
				Type:     errors.ErrorTypeEvaluation,
				Code:     errors.ErrCodeScriptParse,
				Message:  fmt.Sprintf("unsupported block %q", it.Block.Type),
				FilePath: u.File,
				Line:     it.Block.TypeRange.Start.Line,
			}
		}
		if cs.controller != nil {
			return nil, &errors.TreelineError{
				Type:     errors.ErrorTypeEvaluation,
				Code:     errors.ErrCodeScriptParse,
				Message:  "duplicate controller block",
				FilePath: u.File,
				Line:     it.Block.TypeRange.Start.Line,
			}
		}
		cs.controller = it.Block
		cs.body = append(cs.body, it)
	}

	e.scripts.Add(key, cs)
	return cs, nil
}

// isDirective mirrors the analyzer: only a leading string literal "use"
// attribute is a directive.
func isDirective(index int, attr *hclsyntax.Attribute) bool {
	if index != 0 || attr.Name != analyzer.DirectiveName || len(attr.Expr.Variables()) > 0 {
		return false
	}
	_, literal := attr.Expr.(*hclsyntax.TemplateExpr)
	return literal
}

// scriptRun is the state of one evaluation.
type scriptRun struct {
	e    *Evaluator
	ctx  context.Context
	unit Unit
	vars map[string]cty.Value
	// line of the attribute being evaluated, for panics in natives.
	line int
}

func (e *Evaluator) evaluateScript(ctx context.Context, u Unit) (result any, err error) {
	cs, err := e.compileScript(u)
	if err != nil {
		return nil, errors.NewEvaluationError(u.Resource, u.File, errorLine(err), err)
	}

	run := &scriptRun{e: e, ctx: ctx, unit: u, vars: make(map[string]cty.Value, len(cs.params)+len(cs.body)+1)}
	run.vars["exports"] = cty.EmptyObjectVal

	defer func() {
		if r := recover(); r != nil {
			perr := errors.FromPanic(r)
			te := errors.NewEvaluationError(u.Resource, u.File, run.line, perr)
			te.WithContext("frame", panicFrame(3))
			result, err = nil, te
		}
	}()

	lastLocal := ""
	for i, name := range cs.params {
		run.vars[name] = ToCty(u.Deps[i])
		lastLocal = name
	}

	var (
		exported    cty.Value
		hasExport   bool
		declarative any
	)

	for _, it := range cs.body {
		if it.Block != nil {
			run.line = it.Block.TypeRange.Start.Line
			class, err := run.declareController(it.Block)
			if err != nil {
				return nil, err
			}
			declarative = class
			continue
		}

		attr := it.Attr
		run.line = attr.SrcRange.Start.Line
		val, diags := attr.Expr.Value(run.evalContext(nil))
		if diags.HasErrors() {
			return nil, run.diagnosticsError(diags)
		}

		if attr.Name == ExportName {
			exported, hasExport = val, true
			continue
		}
		run.vars[attr.Name] = val
		lastLocal = attr.Name
	}

	switch {
	case hasExport:
		return FromCty(exported)
	case declarative != nil:
		return declarative, nil
	case lastLocal != "":
		return FromCty(run.vars[lastLocal])
	default:
		return nil, nil
	}
}

// evalContext builds the evaluation scope. extra adds render-time variables.
func (r *scriptRun) evalContext(extra map[string]cty.Value) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(r.vars)+len(extra))
	for k, v := range r.vars {
		vars[k] = v
	}
	for k, v := range extra {
		vars[k] = v
	}
	return &hcl.EvalContext{
		Variables: vars,
		Functions: r.functions(),
	}
}

func (r *scriptRun) functions() map[string]function.Function {
	return map[string]function.Function{
		"define":     defineFunc,
		"native":     r.nativeFunc(),
		"render":     renderFunc,
		"upper":      stdlib.UpperFunc,
		"lower":      stdlib.LowerFunc,
		"title":      stdlib.TitleFunc,
		"trimspace":  stdlib.TrimSpaceFunc,
		"join":       stdlib.JoinFunc,
		"split":      stdlib.SplitFunc,
		"replace":    stdlib.ReplaceFunc,
		"format":     stdlib.FormatFunc,
		"length":     stdlib.LengthFunc,
		"concat":     stdlib.ConcatFunc,
		"merge":      stdlib.MergeFunc,
		"keys":       stdlib.KeysFunc,
		"values":     stdlib.ValuesFunc,
		"coalesce":   stdlib.CoalesceFunc,
		"jsonencode": stdlib.JSONEncodeFunc,
		"jsondecode": stdlib.JSONDecodeFunc,
	}
}

// defineFunc accepts and ignores foreign module registrations.
var defineFunc = function.New(&function.Spec{
	VarParam: &function.Parameter{
		Name:             "args",
		Type:             cty.DynamicPseudoType,
		AllowNull:        true,
		AllowDynamicType: true,
	},
	Type: function.StaticReturnType(cty.Bool),
	Impl: func([]cty.Value, cty.Type) (cty.Value, error) {
		return cty.True, nil
	},
})

// nativeFunc calls the Go factory registered under a name with every resolved
// dependency of the script, in declaration order.
func (r *scriptRun) nativeFunc() function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: "name", Type: cty.String}},
		Type:   function.StaticReturnType(cty.DynamicPseudoType),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			name := args[0].AsString()
			factory, ok := r.e.natives.Lookup(name)
			if !ok {
				return cty.NilVal, errors.NewUnknownResourceError(errors.ErrCodeUnknownNative,
					fmt.Sprintf("no native factory registered as %q", name))
			}
			deps := make([]any, len(r.unit.Deps))
			copy(deps, r.unit.Deps)
			out, err := callFactory(r.ctx, name, factory, deps)
			if err != nil {
				return cty.NilVal, err
			}
			return ToCty(out), nil
		},
	})
}

// renderFunc executes a template dependency with data.
var renderFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "template", Type: cty.DynamicPseudoType},
		{Name: "data", Type: cty.DynamicPseudoType, AllowNull: true},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		raw, err := FromCty(args[0])
		if err != nil {
			return cty.NilVal, err
		}
		tpl, ok := raw.(*Template)
		if !ok {
			return cty.NilVal, fmt.Errorf("render: first argument is %T, not a template", raw)
		}
		data, err := FromCty(args[1])
		if err != nil {
			return cty.NilVal, err
		}
		out, err := tpl.Render(data)
		if err != nil {
			return cty.NilVal, err
		}
		return cty.StringVal(out), nil
	},
})

func (r *scriptRun) diagnosticsError(diags hcl.Diagnostics) error {
	located := analyzer.DiagnosticsError(r.unit.File, errors.ErrCodeEvaluationFailed, diags)
	line := located.Line
	if line == 0 {
		line = r.line
	}
	return errors.NewEvaluationError(r.unit.Resource, r.unit.File, line, located)
}

// callFactory runs a factory, turning a panic into an error that names the
// panicking Go frame.
func callFactory(ctx context.Context, name string, f Factory, deps []any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("native %q panicked at %s: %w", name, panicFrame(3), errors.FromPanic(r))
		}
	}()
	return f(ctx, deps)
}

// panicFrame returns the first stack frame outside the runtime and the
// recovery helpers, which is usually the code that panicked.
func panicFrame(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") &&
			!strings.Contains(frame.Function, "callFactory") &&
			!strings.Contains(frame.Function, "evaluateScript") {
			return fmt.Sprintf("%s:%d", frame.File, frame.Line)
		}
		if !more {
			return "unknown"
		}
	}
}

func errorLine(err error) int {
	if inner := errors.Innermost(err); inner != nil {
		return inner.Line
	}
	return 0
}
