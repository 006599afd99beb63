// Package bundle groups the stylesheets and browser scripts of the module
// tree into named bundles and answers which bundles a page needs.
package bundle

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/conneroisu/treeline/internal/analyzer"
	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/evaluator"
	"github.com/conneroisu/treeline/internal/module"
)

// DefaultPrefix is the URL path assets are served under.
const DefaultPrefix = "/_treeline/assets"

// Definition declares a bundle in configuration. Include patterns match
// module paths with '.' as the separator, e.g. "public.blog.**".
type Definition struct {
	Name    string   `mapstructure:"name" yaml:"name" json:"name"`
	Include []string `mapstructure:"include" yaml:"include" json:"include"`
}

// Asset is one servable file of a bundle.
type Asset struct {
	Resource string              `yaml:"resource" json:"resource"`
	File     string              `yaml:"file" json:"file"`
	Hash     string              `yaml:"hash" json:"hash"`
	URL      string              `yaml:"url" json:"url"`
	Kind     analyzer.SourceKind `yaml:"-" json:"-"`
}

// Bundle is a named set of assets. A resource belongs to at most one
// bundle.
type Bundle struct {
	name    string
	scripts []Asset
	styles  []Asset
}

// Name returns the bundle name.
func (b *Bundle) Name() string { return b.name }

// AllScripts returns the script URLs of the bundle.
func (b *Bundle) AllScripts() []string { return urls(b.scripts) }

// AllStyles returns the stylesheet URLs of the bundle.
func (b *Bundle) AllStyles() []string { return urls(b.styles) }

// Assets returns every asset, styles first.
func (b *Bundle) Assets() []Asset {
	out := make([]Asset, 0, len(b.styles)+len(b.scripts))
	out = append(out, b.styles...)
	return append(out, b.scripts...)
}

func urls(assets []Asset) []string {
	out := make([]string, len(assets))
	for i, a := range assets {
		out[i] = a.URL
	}
	return out
}

// Plan is the bundle layout of one registry.
type Plan struct {
	prefix  string
	bundles []*Bundle
	byName  map[string]*Bundle
	// owner maps a module path to the bundles holding its assets.
	owner map[string][]*Bundle
	byURL map[string]Asset
	graph map[string][]string
	built time.Time
}

// Build assigns every stylesheet and .js file of the registry to a bundle.
// Configured bundles claim resources in order; whatever no definition
// claims lands in an implicit bundle named after its module.
func Build(ctx context.Context, reg *module.Registry, defs []Definition, prefix string) (*Plan, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	p := &Plan{
		prefix: strings.TrimSuffix(prefix, "/"),
		byName: make(map[string]*Bundle),
		owner:  make(map[string][]*Bundle),
		byURL:  make(map[string]Asset),
		built:  time.Now(),
	}

	claimed := make(map[string]struct{})
	for _, def := range defs {
		if _, dup := p.byName[def.Name]; dup || def.Name == "" {
			return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("bundle name %q is empty or defined twice", def.Name))
		}
		globs := make([]glob.Glob, 0, len(def.Include))
		for _, pattern := range def.Include {
			g, err := glob.Compile(pattern, '.')
			if err != nil {
				return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid,
					fmt.Sprintf("bundle %s: invalid include pattern %q", def.Name, pattern))
			}
			globs = append(globs, g)
		}

		b := &Bundle{name: def.Name}
		for _, m := range reg.Modules() {
			if !matchesAny(globs, m.Path()) {
				continue
			}
			if err := p.claim(b, m, claimed); err != nil {
				return nil, err
			}
		}
		p.add(b)
	}

	for _, m := range reg.Modules() {
		b := &Bundle{name: m.Path()}
		if err := p.claim(b, m, claimed); err != nil {
			return nil, err
		}
		if len(b.styles)+len(b.scripts) > 0 {
			p.add(b)
		}
	}

	// Unresolvable references are reported by Validate; the partial graph
	// still covers every resolvable page.
	p.graph, _ = reg.Graph(ctx)
	return p, nil
}

func matchesAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

func (p *Plan) add(b *Bundle) {
	p.bundles = append(p.bundles, b)
	p.byName[b.name] = b
}

// claim moves the unclaimed assets of m into b.
func (p *Plan) claim(b *Bundle, m *module.Module, claimed map[string]struct{}) error {
	files := m.Files()
	for _, nickname := range m.Nicknames() {
		file := files[nickname]
		kind := analyzer.KindOf(file)
		isScript := kind == analyzer.KindAuxiliary && strings.EqualFold(filepath.Ext(file), ".js")
		if kind != analyzer.KindStylesheet && !isScript {
			continue
		}

		resource := m.ResourcePath(nickname)
		if _, ok := claimed[resource]; ok {
			continue
		}
		src, err := os.ReadFile(file)
		if err != nil {
			return errors.WrapIO(err, errors.ErrCodeFileNotFound, "reading bundle asset").WithResource(resource)
		}
		hash := evaluator.ContentHash(src)
		asset := Asset{
			Resource: resource,
			File:     file,
			Hash:     hash,
			URL:      path.Join(p.prefix, hash, m.Path()+"."+filepath.Base(file)),
			Kind:     kind,
		}
		claimed[resource] = struct{}{}
		p.byURL[asset.URL] = asset
		if isScript {
			b.scripts = append(b.scripts, asset)
		} else {
			b.styles = append(b.styles, asset)
		}
		if owners := p.owner[m.Path()]; len(owners) == 0 || owners[len(owners)-1] != b {
			p.owner[m.Path()] = append(owners, b)
		}
	}
	return nil
}

// Bundles returns every bundle in plan order.
func (p *Plan) Bundles() []*Bundle {
	out := make([]*Bundle, len(p.bundles))
	copy(out, p.bundles)
	return out
}

// Bundle returns a bundle by name.
func (p *Plan) Bundle(name string) (*Bundle, bool) {
	b, ok := p.byName[name]
	return b, ok
}

// RequiredFor returns the bundles a page served by m needs: the named
// bundles first, then every bundle holding assets of m or of a module m
// depends on, in plan order. Unknown names are ignored.
func (p *Plan) RequiredFor(m *module.Module, names ...string) []*Bundle {
	seen := make(map[*Bundle]struct{})
	var out []*Bundle
	push := func(b *Bundle) {
		if _, dup := seen[b]; !dup {
			seen[b] = struct{}{}
			out = append(out, b)
		}
	}

	for _, name := range names {
		if b, ok := p.byName[name]; ok {
			push(b)
		}
	}

	modules := p.closure(m)
	var needed []*Bundle
	for _, b := range p.bundles {
		for _, mp := range modules {
			if containsBundle(p.owner[mp], b) {
				needed = append(needed, b)
				break
			}
		}
	}
	for _, b := range needed {
		push(b)
	}
	return out
}

// closure returns the module paths m transitively depends on, m included.
func (p *Plan) closure(m *module.Module) []string {
	visited := make(map[string]struct{})
	var queue []string
	for _, nickname := range m.Nicknames() {
		queue = append(queue, m.ResourcePath(nickname))
	}

	modules := []string{m.Path()}
	seenModule := map[string]struct{}{m.Path(): {}}
	for len(queue) > 0 {
		resource := queue[0]
		queue = queue[1:]
		if _, ok := visited[resource]; ok {
			continue
		}
		visited[resource] = struct{}{}

		mp, _, _ := strings.Cut(resource, ":")
		if _, ok := seenModule[mp]; !ok {
			seenModule[mp] = struct{}{}
			modules = append(modules, mp)
		}
		queue = append(queue, p.graph[resource]...)
	}
	return modules
}

func containsBundle(list []*Bundle, b *Bundle) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}

// ServeHTTP serves bundle assets by URL. Asset URLs embed the content hash,
// so responses are cached indefinitely.
func (p *Plan) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	asset, ok := p.byURL[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(asset.File)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, filepath.Base(asset.File), p.built, f)
}
