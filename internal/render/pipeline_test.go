package render

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/conneroisu/treeline/internal/bundle"
	"github.com/conneroisu/treeline/internal/controller"
	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/evaluator"
	"github.com/conneroisu/treeline/internal/logging"
	"github.com/conneroisu/treeline/internal/module"
	"github.com/conneroisu/treeline/internal/router"
)

func buildRegistry(t *testing.T, files map[string]string, natives *evaluator.Natives) *module.Registry {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	if natives == nil {
		natives = evaluator.NewNatives()
	}
	eval, err := evaluator.New(evaluator.Options{Natives: natives})
	require.NoError(t, err)
	reg, err := module.Build(context.Background(), root, module.Options{Evaluator: eval})
	require.NoError(t, err)
	return reg
}

func newPipeline(t *testing.T, files map[string]string, natives *evaluator.Natives, opts Options) *Pipeline {
	t.Helper()
	reg := buildRegistry(t, files, natives)
	rt, err := router.New(reg, "public", map[string]string{"__id__": `\d+`})
	require.NoError(t, err)
	return New(reg, rt, opts)
}

func get(path string) *controller.Request {
	return controller.NewRequest(controller.RequestInit{
		URL:     path,
		Path:    path,
		Headers: http.Header{"User-Agent": {"test-agent"}},
	})
}

func serve(t *testing.T, p *Pipeline, path string) (*Result, *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := &Recorder{}
	return p.Serve(ctx, get(path), rec), rec
}

// nativeController registers a Go controller under name and returns a
// script exporting it.
func nativeController(natives *evaluator.Natives, name string, class *controller.Class) string {
	natives.Register(name, func(context.Context, []any) (any, error) { return class, nil })
	return fmt.Sprintf("export = native(%q)", name)
}

// eventLog records hook invocations from any goroutine.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// tracedLayer builds a layer whose hooks all record themselves.
func tracedLayer(name string, parent *controller.Class, log *eventLog, async bool) *controller.Class {
	return &controller.Class{
		Name:   name,
		Parent: parent,
		Preload: func(_ context.Context, _ *controller.Context, done controller.Done) {
			log.add("preload:%s", name)
			if async {
				go func() {
					time.Sleep(10 * time.Millisecond)
					done(nil)
				}()
				return
			}
			done(nil)
		},
		Load: func(*controller.Context, ...any) error {
			log.add("load:%s", name)
			return nil
		},
		Ready:  func(*controller.Context) { log.add("ready:%s", name) },
		Unload: func(*controller.Context) { log.add("unload:%s", name) },
	}
}

func findElement(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

func byTag(tag string) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.Data == tag }
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func parseDocument(t *testing.T, doc string) *html.Node {
	t.Helper()
	root, err := html.Parse(strings.NewReader(doc))
	require.NoError(t, err)
	return root
}

var declarativeSite = map[string]string{
	"lib/BaseController.hcl": `
controller {
  title = "${child} | Base"
  body  = "<main>${child}</main>"
}
`,
	"public/Home.hcl": `
controller {
  body = "<p>home</p>"
}
`,
	"public/about/About.hcl": `
Base = lib.BaseController

controller {
  parent = Base
  title  = "About"
  body   = "<h1>About</h1>"
}
`,
	"public/__id__/Detail.hcl": `
controller {
  title = "Item ${request.args["__id__"]}"
}
`,
}

func TestRouteAboutComposesTitleWithParent(t *testing.T) {
	p := newPipeline(t, declarativeSite, nil, Options{})

	res, rec := serve(t, p, "/about")
	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "public.about.About", res.Module)
	assert.Equal(t, "About | Base", res.Title)
	assert.True(t, rec.Finished)
	assert.Equal(t, 1, rec.Signals)

	doc := parseDocument(t, rec.HTML)
	title := findElement(doc, byTag("title"))
	require.NotNil(t, title)
	assert.Equal(t, "About | Base", textOf(title))
	main := findElement(doc, byTag("main"))
	require.NotNil(t, main)
	assert.NotNil(t, findElement(main, byTag("h1")))
}

func TestHomeGetsDefaultTitle(t *testing.T) {
	p := newPipeline(t, declarativeSite, nil, Options{})

	res, _ := serve(t, p, "/")
	require.NoError(t, res.Err)
	assert.Equal(t, "public.Home", res.Module)
	assert.Equal(t, "Home", res.Title)
}

func TestURLArgumentRouting(t *testing.T) {
	p := newPipeline(t, declarativeSite, nil, Options{})

	res, rec := serve(t, p, "/42")
	require.NoError(t, res.Err)
	assert.Equal(t, "public.__id__.Detail", res.Module)
	assert.Equal(t, "Item 42", res.Title)

	script := findElement(parseDocument(t, rec.HTML), func(n *html.Node) bool { return attr(n, "id") == HydrationID })
	require.NotNil(t, script)
	var state struct {
		PathArguments map[string]string `json:"pathArguments"`
		RequestID     string            `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(script)), &state))
	assert.Equal(t, map[string]string{"__id__": "42"}, state.PathArguments)
	assert.Equal(t, res.RequestID, state.RequestID)

	res, rec = serve(t, p, "/abc")
	assert.Equal(t, StateNotFound, res.State)
	assert.Equal(t, 1, rec.NotFounds)
	assert.Equal(t, 1, rec.Signals)
}

func TestPreloadRunsRootFirst(t *testing.T) {
	natives := evaluator.NewNatives()
	log := &eventLog{}
	root := tracedLayer("root", nil, log, false)
	mid := tracedLayer("mid", root, log, true)
	leaf := tracedLayer("leaf", mid, log, false)

	p := newPipeline(t, map[string]string{
		"public/Page.hcl": nativeController(natives, "page", leaf),
	}, natives, Options{})

	res, _ := serve(t, p, "/")
	require.NoError(t, res.Err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{
		"preload:root", "load:root",
		"preload:mid", "load:mid",
		"preload:leaf", "load:leaf",
		"ready:root", "ready:mid", "ready:leaf",
		"unload:leaf", "unload:mid", "unload:root",
	}, log.all())
}

func TestPreloadNotFoundStopsTheChain(t *testing.T) {
	natives := evaluator.NewNatives()
	log := &eventLog{}
	root := tracedLayer("root", nil, log, false)
	root.Preload = func(_ context.Context, c *controller.Context, done controller.Done) {
		log.add("preload:root")
		c.Nav.NotFound()
		done(nil)
	}
	leaf := tracedLayer("leaf", root, log, false)

	p := newPipeline(t, map[string]string{
		"public/Page.hcl": nativeController(natives, "page", leaf),
	}, natives, Options{})

	res, rec := serve(t, p, "/")
	assert.Equal(t, StateNotFound, res.State)
	assert.Equal(t, 1, rec.NotFounds)
	assert.Equal(t, []string{"preload:root", "unload:leaf", "unload:root"}, log.all())
}

func TestPreloadRedirectLastTargetWins(t *testing.T) {
	natives := evaluator.NewNatives()
	log := &eventLog{}
	root := tracedLayer("root", nil, log, false)
	root.Preload = func(_ context.Context, c *controller.Context, done controller.Done) {
		assert.Equal(t, "test-agent", c.Nav.UserAgent())
		c.Nav.Redirect("/first", false)
		c.Nav.Redirect("/second", true)
		done(nil)
	}
	leaf := tracedLayer("leaf", root, log, false)

	p := newPipeline(t, map[string]string{
		"public/Page.hcl": nativeController(natives, "page", leaf),
	}, natives, Options{})

	res, rec := serve(t, p, "/")
	assert.Equal(t, StateRedirecting, res.State)
	require.NotNil(t, res.Redirect)
	assert.Equal(t, "/second", res.Redirect.URL)
	assert.True(t, res.Redirect.Permanent)
	assert.Equal(t, []string{"/second"}, rec.Redirects)
	assert.NotContains(t, log.all(), "preload:leaf")
}

func TestPreloadTimeout(t *testing.T) {
	natives := evaluator.NewNatives()
	stuck := &controller.Class{
		Name:    "stuck",
		Preload: func(context.Context, *controller.Context, controller.Done) {},
	}
	p := newPipeline(t, map[string]string{
		"public/Page.hcl": nativeController(natives, "page", stuck),
	}, natives, Options{PreloadTimeout: 50 * time.Millisecond})

	start := time.Now()
	res, rec := serve(t, p, "/")
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateError, res.State)
	assert.True(t, errors.IsType(res.Err, errors.ErrorTypePreloadTimeout))
	assert.Equal(t, http.StatusInternalServerError, rec.Status)
	assert.Equal(t, 1, rec.Signals)
}

func TestLoadReceivesPreloadArguments(t *testing.T) {
	natives := evaluator.NewNatives()
	var got []any
	page := &controller.Class{
		Name: "page",
		Preload: func(_ context.Context, _ *controller.Context, done controller.Done) {
			done(nil, 1, "two")
			done(nil, "ignored")
		},
		Load: func(_ *controller.Context, args ...any) error {
			got = args
			return nil
		},
	}
	p := newPipeline(t, map[string]string{
		"public/Page.hcl": nativeController(natives, "page", page),
	}, natives, Options{})

	res, rec := serve(t, p, "/")
	require.NoError(t, res.Err)
	assert.Equal(t, []any{1, "two"}, got)

	script := findElement(parseDocument(t, rec.HTML), func(n *html.Node) bool { return attr(n, "id") == HydrationID })
	require.NotNil(t, script)
	var state struct {
		Args map[string][]any `json:"args"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(script)), &state))
	assert.Equal(t, []any{1.0, "two"}, state.Args["page"])
}

func TestHookFailures(t *testing.T) {
	tests := []struct {
		name   string
		class  *controller.Class
		status int
		typ    errors.ErrorType
	}{
		{
			name: "preload error",
			class: &controller.Class{Name: "p", Preload: func(_ context.Context, _ *controller.Context, done controller.Done) {
				done(fmt.Errorf("upstream down"))
			}},
			status: http.StatusInternalServerError,
			typ:    errors.ErrorTypeRender,
		},
		{
			name: "forbidden",
			class: &controller.Class{Name: "p", Preload: func(_ context.Context, _ *controller.Context, done controller.Done) {
				done(controller.Forbidden("members only"))
			}},
			status: http.StatusForbidden,
			typ:    errors.ErrorTypeForbidden,
		},
		{
			name: "preload panic",
			class: &controller.Class{Name: "p", Preload: func(context.Context, *controller.Context, controller.Done) {
				panic("boom")
			}},
			status: http.StatusInternalServerError,
			typ:    errors.ErrorTypeRender,
		},
		{
			name: "load error",
			class: &controller.Class{Name: "p", Load: func(*controller.Context, ...any) error {
				return fmt.Errorf("bad args")
			}},
			status: http.StatusInternalServerError,
			typ:    errors.ErrorTypeRender,
		},
		{
			name: "body error",
			class: &controller.Class{Name: "p", Body: func(*controller.Context, string) (string, error) {
				return "", fmt.Errorf("template failed")
			}},
			status: http.StatusInternalServerError,
			typ:    errors.ErrorTypeRender,
		},
		{
			name: "title panic",
			class: &controller.Class{Name: "p", Title: func(*controller.Context, string) (string, error) {
				panic("nil map")
			}},
			status: http.StatusInternalServerError,
			typ:    errors.ErrorTypeRender,
		},
		{
			name: "meta outside head",
			class: &controller.Class{Name: "p", Meta: func(*controller.Context, string) (string, error) {
				return "<div>not head</div>", nil
			}},
			status: http.StatusInternalServerError,
			typ:    errors.ErrorTypeRender,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			natives := evaluator.NewNatives()
			p := newPipeline(t, map[string]string{
				"public/Page.hcl": nativeController(natives, "page", tt.class),
			}, natives, Options{})

			res, rec := serve(t, p, "/")
			assert.Equal(t, StateError, res.State)
			assert.True(t, errors.IsType(res.Err, tt.typ), "got %v", res.Err)
			assert.Equal(t, tt.status, rec.Status)
			assert.Equal(t, http.StatusText(tt.status), rec.Message)
			assert.Empty(t, rec.HTML)
			assert.Equal(t, 1, rec.Signals)
		})
	}
}

func TestModuleThatIsNotAController(t *testing.T) {
	p := newPipeline(t, map[string]string{"public/Page.hcl": `x = 1`}, nil, Options{Debug: true})

	res, rec := serve(t, p, "/")
	assert.Equal(t, StateError, res.State)
	var te *errors.TreelineError
	require.ErrorAs(t, res.Err, &te)
	assert.Equal(t, errors.ErrCodeNotController, te.Code)
	assert.Contains(t, rec.Message, "not a controller")
}

func TestDocumentIncludesBundlesAndMeta(t *testing.T) {
	files := map[string]string{
		"lib/Layout.hcl":   "controller {\n  meta = \"<meta name=\\\"description\\\" content=\\\"site\\\">${child}\"\n}\n",
		"lib/Layout.css":   `body { margin: 0 }`,
		"public/Page.hcl":  "Layout = lib.Layout\ncontroller {\n  parent = Layout\n  bundles = [\"extra\"]\n}\n",
		"public/Page.css":  `.page {}`,
		"extras/Extra.css": `.extra {}`,
	}
	reg := buildRegistry(t, files, nil)
	plan, err := bundle.Build(context.Background(), reg, []bundle.Definition{
		{Name: "extra", Include: []string{"extras.**"}},
	}, "")
	require.NoError(t, err)
	rt, err := router.New(reg, "public", nil)
	require.NoError(t, err)
	p := New(reg, rt, Options{Bundles: plan, Debug: true, LiveReloadPath: "/_treeline/live"})

	res, rec := serve(t, p, "/")
	require.NoError(t, res.Err)

	doc := parseDocument(t, rec.HTML)
	head := findElement(doc, byTag("head"))
	require.NotNil(t, head)
	meta := findElement(head, func(n *html.Node) bool { return n.Data == "meta" && attr(n, "name") == "description" })
	require.NotNil(t, meta)
	assert.Equal(t, "site", attr(meta, "content"))

	var styles []string
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "link" {
			styles = append(styles, attr(n, "href"))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(head)
	require.Len(t, styles, 3)
	assert.True(t, strings.HasSuffix(styles[0], "extras.Extra.Extra.css"))
	assert.True(t, strings.HasSuffix(styles[1], "lib.Layout.Layout.css"))
	assert.True(t, strings.HasSuffix(styles[2], "public.Page.Page.css"))
	assert.Contains(t, rec.HTML, "/_treeline/live")
}

func TestServeUsesRequestIDFromContext(t *testing.T) {
	p := newPipeline(t, declarativeSite, nil, Options{})

	ctx := logging.ContextWithRequestID(context.Background(), "req-123")
	res := p.Serve(ctx, get("/"), &Recorder{})
	assert.Equal(t, "req-123", res.RequestID)
	assert.Contains(t, res.Timings, "routing")
	assert.Contains(t, res.Timings, "render")
}
