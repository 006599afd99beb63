package evaluator

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/treeline/internal/analyzer"
	"github.com/conneroisu/treeline/internal/controller"
	"github.com/conneroisu/treeline/internal/errors"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *Natives) {
	t.Helper()
	natives := NewNatives()
	e, err := New(Options{Natives: natives, CacheSize: 8})
	require.NoError(t, err)
	return e, natives
}

func unitFor(t *testing.T, resource, file, src string, deps ...any) Unit {
	t.Helper()
	analysis, err := analyzer.Analyze(file, []byte(src))
	require.NoError(t, err)
	return Unit{
		Resource: resource,
		Name:     stem(file),
		File:     file,
		Source:   []byte(src),
		Analysis: analysis,
		Deps:     deps,
	}
}

func stem(file string) string {
	base := file[strings.LastIndex(file, "/")+1:]
	return strings.FieldsFunc(base, func(r rune) bool { return r == '_' || r == '.' })[0]
}

type service struct{ name string }

func TestPositionalDependencies(t *testing.T) {
	e, natives := newTestEvaluator(t)

	var got []any
	natives.Register("capture", func(_ context.Context, deps []any) (any, error) {
		got = deps
		return "ok", nil
	})

	x := &service{name: "X"}
	y := &service{name: "Y"}
	src := `
a = a.b
c = c.d.e
unrelated = "later"
export = native("capture")
`
	out, err := e.Evaluate(context.Background(), unitFor(t, "m.Pair:", "/m/Pair.hcl", src, x, y))
	require.NoError(t, err)

	assert.Equal(t, "ok", out)
	require.Len(t, got, 2)
	assert.Same(t, x, got[0])
	assert.Same(t, y, got[1])
}

func TestExportPrecedence(t *testing.T) {
	e, _ := newTestEvaluator(t)
	ctx := context.Background()

	t.Run("explicit export wins", func(t *testing.T) {
		src := `
a = "one"
export = "two"
b = "three"
`
		out, err := e.Evaluate(ctx, unitFor(t, "m.A:", "/m/A.hcl", src))
		require.NoError(t, err)
		assert.Equal(t, "two", out)
	})

	t.Run("last local is returned", func(t *testing.T) {
		src := `
name = "ada"
greeting = "hello ${name}"
`
		out, err := e.Evaluate(ctx, unitFor(t, "m.B:", "/m/B.hcl", src))
		require.NoError(t, err)
		assert.Equal(t, "hello ada", out)
	})

	t.Run("prologue only returns last dependency", func(t *testing.T) {
		out, err := e.Evaluate(ctx, unitFor(t, "m.C:", "/m/C.hcl", "dep = public.Thing\n", 42))
		require.NoError(t, err)
		assert.Equal(t, 42, out)
	})

	t.Run("data round trips", func(t *testing.T) {
		src := `
settings = {
  size  = 3
  ratio = 1.5
  tags  = ["a", "b"]
  on    = true
}
`
		out, err := e.Evaluate(ctx, unitFor(t, "m.D:", "/m/D.hcl", src))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"size":  3,
			"ratio": 1.5,
			"tags":  []any{"a", "b"},
			"on":    true,
		}, out)
	})

	t.Run("empty script exports nil", func(t *testing.T) {
		out, err := e.Evaluate(ctx, unitFor(t, "m.E:", "/m/E.hcl", `use = "server"`))
		require.NoError(t, err)
		assert.Nil(t, out)
	})
}

func TestCompiledScriptsAreCached(t *testing.T) {
	e, _ := newTestEvaluator(t)
	u := unitFor(t, "m.A:", "/m/A.hcl", `x = "v"`)

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), u)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, e.Compiles())

	changed := unitFor(t, "m.A:", "/m/A.hcl", `x = "w"`)
	out, err := e.Evaluate(context.Background(), changed)
	require.NoError(t, err)
	assert.Equal(t, "w", out)
	assert.EqualValues(t, 2, e.Compiles())
}

func TestEvaluationErrorCarriesLine(t *testing.T) {
	e, _ := newTestEvaluator(t)
	src := `
a = "fine"
b = missing + 1
`
	_, err := e.Evaluate(context.Background(), unitFor(t, "m.Bad:", "/m/Bad.hcl", src))
	require.Error(t, err)

	assert.True(t, errors.IsType(err, errors.ErrorTypeEvaluation))
	var te *errors.TreelineError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "/m/Bad.hcl", te.FilePath)
	assert.Equal(t, 3, te.Line)
	assert.Equal(t, "m.Bad:", te.Resource)
}

func TestNativeFailures(t *testing.T) {
	e, natives := newTestEvaluator(t)
	natives.Register("boom", func(context.Context, []any) (any, error) {
		panic("kaboom")
	})
	natives.Register("fails", func(context.Context, []any) (any, error) {
		return nil, fmt.Errorf("backend down")
	})

	testCases := []struct {
		name     string
		src      string
		contains string
	}{
		{"panic", "x = 1\ny = native(\"boom\")\n", "evaluator_test.go"},
		{"error", "y = native(\"fails\")\n", "backend down"},
		{"unknown", "y = native(\"nope\")\n", `no native factory registered as "nope"`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Evaluate(context.Background(), unitFor(t, "m.N:", "/m/N.hcl", tc.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.contains)

			var te *errors.TreelineError
			require.ErrorAs(t, err, &te)
			assert.Positive(t, te.Line)
		})
	}
}

func TestDefineShim(t *testing.T) {
	e, _ := newTestEvaluator(t)
	src := `
registered = define("widget", exports)
value = "kept"
`
	out, err := e.Evaluate(context.Background(), unitFor(t, "m.D:", "/m/D.hcl", src))
	require.NoError(t, err)
	assert.Equal(t, "kept", out)
}

func TestDeclarativeController(t *testing.T) {
	e, _ := newTestEvaluator(t)
	ctx := context.Background()

	baseSrc := `
controller {
  title = "${child} | Base"
  body  = "<main>${child}</main>"
}
`
	baseOut, err := e.Evaluate(ctx, unitFor(t, "lib.BaseController:", "/lib/BaseController.hcl", baseSrc))
	require.NoError(t, err)
	base, ok := baseOut.(*controller.Class)
	require.True(t, ok)
	assert.Equal(t, "BaseController", base.Name)

	aboutSrc := `
Base = lib.BaseController

heading = upper("about")

controller {
  parent  = Base
  title   = "About"
  meta    = "<meta name=\"path\" content=\"${request.path}\">"
  body    = "<h1>${heading}</h1><p>${state.greeting}</p>"
  bundles = ["site"]
}
`
	aboutOut, err := e.Evaluate(ctx, unitFor(t, "public.about.About:", "/public/about/About.hcl", aboutSrc, base))
	require.NoError(t, err)
	about, ok := aboutOut.(*controller.Class)
	require.True(t, ok)
	assert.Same(t, base, about.Parent)
	assert.Equal(t, []string{"site"}, about.Bundles)

	rc := controller.NewContext("id", controller.NewRequest(controller.RequestInit{URL: "/about", Path: "/about"}), nil)
	rc.Set("greeting", "hi")

	chain, err := about.Chain()
	require.NoError(t, err)

	fold := func(stage func(*controller.Class, *controller.Context, string) (string, error)) string {
		value := ""
		for i := len(chain) - 1; i >= 0; i-- {
			value, err = stage(chain[i], rc, value)
			require.NoError(t, err)
		}
		return value
	}

	assert.Equal(t, "About | Base", fold((*controller.Class).RenderTitle))
	assert.Equal(t, `<meta name="path" content="/about">`, fold((*controller.Class).RenderMeta))
	assert.Equal(t, "<main><h1>ABOUT</h1><p>hi</p></main>", fold((*controller.Class).RenderBody))
}

func TestDeclarativeControllerErrors(t *testing.T) {
	e, _ := newTestEvaluator(t)

	testCases := []struct {
		name string
		src  string
	}{
		{"unknown attribute", "controller {\n  colour = \"red\"\n}\n"},
		{"parent not a controller", "controller {\n  parent = \"Base\"\n}\n"},
		{"duplicate block", "controller {}\ncontroller {}\n"},
		{"unknown block", "widget {}\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Evaluate(context.Background(), unitFor(t, "m.C:", "/m/C.hcl", tc.src))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeEvaluation))
		})
	}
}

func TestRenderHookErrorsAreLocated(t *testing.T) {
	e, _ := newTestEvaluator(t)
	src := "controller {\n  title = state.missing\n}\n"

	out, err := e.Evaluate(context.Background(), unitFor(t, "m.C:", "/m/C.hcl", src))
	require.NoError(t, err)

	rc := controller.NewContext("id", controller.NewRequest(controller.RequestInit{}), nil)
	_, err = out.(*controller.Class).RenderTitle(rc, "")
	require.Error(t, err)
	var te *errors.TreelineError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 2, te.Line)
}

func TestTemplatesWithPartials(t *testing.T) {
	e, _ := newTestEvaluator(t)
	ctx := context.Background()

	rowSrc := `<li>{{title .}}</li>`
	row, err := e.Evaluate(ctx, unitFor(t, "m.List:row.html", "/m/List_row.html", rowSrc, e.Engine()))
	require.NoError(t, err)

	listSrc := `<ul>{{range .}}{{template "__module__.row.html" .}}{{end}}</ul>`
	listOut, err := e.Evaluate(ctx, unitFor(t, "m.List:html", "/m/List.html", listSrc, e.Engine(), row))
	require.NoError(t, err)

	list, ok := listOut.(*Template)
	require.True(t, ok)

	html, err := list.Render([]string{"ada", "<bob>"})
	require.NoError(t, err)
	assert.Equal(t, "<ul><li>Ada</li><li>&lt;Bob&gt;</li></ul>", html)

	var buf bytes.Buffer
	require.NoError(t, list.Component([]string{"cy"}).Render(ctx, &buf))
	assert.Equal(t, "<ul><li>Cy</li></ul>", buf.String())
}

func TestTemplateErrorsCarryLine(t *testing.T) {
	e, _ := newTestEvaluator(t)
	ctx := context.Background()

	rowSrc := "<li>\n{{index . 5}}</li>"
	row, err := e.Evaluate(ctx, unitFor(t, "m.List:row.html", "/m/List_row.html", rowSrc, e.Engine()))
	require.NoError(t, err)

	listSrc := "<ul>\n\n{{range .}}{{template \"__module__.row.html\" .}}{{end}}\n{{index . 9}}</ul>"
	listOut, err := e.Evaluate(ctx, unitFor(t, "m.List:html", "/m/List.html", listSrc, e.Engine(), row))
	require.NoError(t, err)
	list := listOut.(*Template)

	_, err = list.Render([][]int{{1}})
	var te *errors.TreelineError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "/m/List_row.html", te.FilePath)
	assert.Equal(t, 2, te.Line)

	_, err = list.Render([][]int{})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "/m/List.html", te.FilePath)
	assert.Equal(t, 4, te.Line)
}

func TestTemplateErrorLine(t *testing.T) {
	tests := []struct {
		msg  string
		name string
		line int
	}{
		{`template: m.A:html:3: unexpected "}" in operand`, "m.A:html", 3},
		{`template: m.A:row.html:12:4: executing "m.A:row.html" at <.x>: boom`, "m.A:row.html", 12},
		{`template: m.A:html#item:7:1: executing "m.A:html#item" at <.x>: boom`, "m.A:html#item", 7},
		{"something else", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			name, line := templateErrorLine(fmt.Errorf("%s", tt.msg))
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.line, line)
		})
	}
}

func TestTemplateRejectsNonTemplatePartial(t *testing.T) {
	e, _ := newTestEvaluator(t)
	_, err := e.Evaluate(context.Background(),
		unitFor(t, "m.A:html", "/m/A.html", `{{template "public.X.html"}}`, e.Engine(), "not a template"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a template")
}

func TestScriptRendersTemplate(t *testing.T) {
	e, _ := newTestEvaluator(t)
	ctx := context.Background()

	tpl, err := e.Evaluate(ctx, unitFor(t, "m.Card:html", "/m/Card.html", `<b>{{.name}}</b>`, e.Engine()))
	require.NoError(t, err)

	src := `
card = __module__.html
export = render(card, { name = "Treeline" })
`
	out, err := e.Evaluate(ctx, unitFor(t, "m.Card:", "/m/Card.hcl", src, tpl))
	require.NoError(t, err)
	assert.Equal(t, "<b>Treeline</b>", out)
}

func TestStylesheetResource(t *testing.T) {
	e, _ := newTestEvaluator(t)

	out, err := e.Evaluate(context.Background(), unitFor(t, "m.A:css", "/m/A.css", "a { color: red }"))
	require.NoError(t, err)

	res, ok := out.(*Resource)
	require.True(t, ok)
	assert.Equal(t, "m.A:css", res.Path)
	assert.Equal(t, analyzer.KindStylesheet, res.Kind)
	assert.Len(t, res.Hash, 12)
}

func TestDependencyCountMismatch(t *testing.T) {
	e, _ := newTestEvaluator(t)
	u := unitFor(t, "m.A:", "/m/A.hcl", "dep = public.X\n")
	u.Deps = nil

	_, err := e.Evaluate(context.Background(), u)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}

func TestConcurrentEvaluation(t *testing.T) {
	e, natives := newTestEvaluator(t)
	natives.Register("id", func(_ context.Context, deps []any) (any, error) { return deps[0], nil })

	base := unitFor(t, "m.A:", "/m/A.hcl", "v = public.V\nexport = native(\"id\")\n", 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := base
			u.Deps = []any{i}
			out, err := e.Evaluate(context.Background(), u)
			assert.NoError(t, err)
			assert.Equal(t, i, out)
		}(i)
	}
	wg.Wait()
}

func TestRegisterDefaultNatives(t *testing.T) {
	Register("evaluator_test.noop", func(context.Context, []any) (any, error) { return nil, nil })
	_, ok := DefaultNatives().Lookup("evaluator_test.noop")
	assert.True(t, ok)
	assert.Contains(t, DefaultNatives().Names(), "evaluator_test.noop")
}
