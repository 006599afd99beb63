package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"regexp"
	"strconv"
	"strings"
	"text/template/parse"

	"github.com/a-h/templ"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/treeline/internal/analyzer"
	"github.com/conneroisu/treeline/internal/errors"
)

// Engine is the template runtime every template depends on.
type Engine struct {
	Funcs template.FuncMap
}

// NewEngine returns the engine with the standard function map.
func NewEngine() *Engine {
	titler := cases.Title(language.English)
	return &Engine{Funcs: template.FuncMap{
		"json": func(v any) (template.JS, error) {
			b, err := json.Marshal(v)
			return template.JS(b), err
		},
		"title": func(s string) string { return titler.String(s) },
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"join":  strings.Join,
		"safe":  func(s string) template.HTML { return template.HTML(s) },
		"default": func(def, v any) any {
			if v == nil || v == "" {
				return def
			}
			return v
		},
	}}
}

// Template is a compiled html/template with its partials grafted in.
//
// Every file of the set is registered under its resource path and each
// {{define}} block under resource path + "#" + name, so names written
// relative to one file never resolve against another.
type Template struct {
	Resource string
	File     string
	Source   string
	Hash     string

	partials []partial
	tmpl     *template.Template
	files    map[string]*Template
}

// partial is a template dependency and the name it is included under.
type partial struct {
	name string
	tpl  *Template
}

// Render executes the template with data.
func (t *Template) Render(data any) (string, error) {
	var b strings.Builder
	if err := t.tmpl.Execute(&b, data); err != nil {
		return "", t.locate(err)
	}
	return b.String(), nil
}

// Component adapts the template to the templ rendering contract.
func (t *Template) Component(data any) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		if err := t.tmpl.Execute(w, data); err != nil {
			return t.locate(err)
		}
		return nil
	})
}

// templateErrLocation matches the "template: name:line:" prefix of parse and
// execution errors.
var templateErrLocation = regexp.MustCompile(`^template: (.*?):(\d+):`)

// templateErrorLine returns the template name and line an error from
// html/template points at.
func templateErrorLine(err error) (string, int) {
	m := templateErrLocation.FindStringSubmatch(err.Error())
	if m == nil {
		return "", 0
	}
	line, _ := strconv.Atoi(m[2])
	return m[1], line
}

// locate attributes an execution error to the file it happened in.
func (t *Template) locate(err error) error {
	name, line := templateErrorLine(err)
	resource, _, _ := strings.Cut(name, "#")
	if owner, ok := t.files[resource]; ok {
		return errors.NewEvaluationError(owner.Resource, owner.File, line, err)
	}
	return errors.NewEvaluationError(t.Resource, t.File, line, err)
}

// compileTemplate parses a template and every partial it depends on into one
// set.
func (e *Evaluator) compileTemplate(u Unit) (*Template, error) {
	engine, ok := u.Deps[0].(*Engine)
	if !ok {
		return nil, errors.NewEvaluationError(u.Resource, u.File, 0,
			fmt.Errorf("first template dependency is %T, not the engine", u.Deps[0]))
	}

	t := &Template{
		Resource: u.Resource,
		File:     u.File,
		Source:   string(u.Source),
		Hash:     ContentHash(u.Source),
		files:    make(map[string]*Template),
	}
	for i, ref := range u.Analysis.References[1:] {
		dep := u.Deps[i+1]
		tpl, ok := dep.(*Template)
		if !ok {
			return nil, errors.NewEvaluationError(u.Resource, u.File, ref.Line,
				fmt.Errorf("partial %q resolved to %T, not a template", ref.LocalName, dep))
		}
		t.partials = append(t.partials, partial{name: ref.LocalName, tpl: tpl})
	}

	root := template.New(t.Resource).Funcs(engine.Funcs)
	if err := graft(root, engine, t, t.files); err != nil {
		return nil, t.locate(err)
	}
	t.tmpl = root
	return t, nil
}

// graft parses tpl and, recursively, its partials into set. Sources are
// parsed again for every set because html/template escapes trees in place on
// first execution.
func graft(set *template.Template, engine *Engine, tpl *Template, files map[string]*Template) error {
	if _, done := files[tpl.Resource]; done {
		return nil
	}
	files[tpl.Resource] = tpl

	parsed, err := template.New(tpl.Resource).Funcs(engine.Funcs).Parse(tpl.Source)
	if err != nil {
		return err
	}

	names := make(map[string]string, len(tpl.partials))
	for _, p := range tpl.partials {
		names[p.name] = p.tpl.Resource
	}
	for _, defined := range parsed.Templates() {
		if defined.Name() != tpl.Resource {
			names[defined.Name()] = tpl.Resource + "#" + defined.Name()
		}
	}

	for _, defined := range parsed.Templates() {
		if defined.Tree == nil {
			continue
		}
		analyzer.WalkTemplateNodes(defined.Tree.Root, func(n *parse.TemplateNode) {
			if to, ok := names[n.Name]; ok {
				n.Name = to
			}
		})
		name := tpl.Resource
		if defined.Name() != tpl.Resource {
			name = names[defined.Name()]
		}
		if _, err := set.AddParseTree(name, defined.Tree); err != nil {
			return fmt.Errorf("adding %s: %w", name, err)
		}
	}

	for _, p := range tpl.partials {
		if err := graft(set, engine, p.tpl, files); err != nil {
			return err
		}
	}
	return nil
}

// Resource is a stylesheet or auxiliary file.
type Resource struct {
	Path         string
	File         string
	Kind         analyzer.SourceKind
	Environments []analyzer.Environment
	Source       []byte
	Hash         string
}

func newResource(u Unit) *Resource {
	return &Resource{
		Path:         u.Resource,
		File:         u.File,
		Kind:         u.Analysis.Kind,
		Environments: u.Analysis.Environments,
		Source:       u.Source,
		Hash:         ContentHash(u.Source),
	}
}
