package module

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/conneroisu/treeline/internal/analyzer"
	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/logging"
	"github.com/conneroisu/treeline/internal/tree"
)

// Build walks dir and returns a registry whose tree mirrors it: directories
// become plain nodes and every group of same-stem files becomes a module
// leaf.
func Build(ctx context.Context, dir string, opts Options) (*Registry, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeFileNotFound, "resolving module root")
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeFileNotFound, "module root").WithLocation(abs, 0, 0)
	}
	if !info.IsDir() {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, abs+" is not a directory")
	}

	skips, err := compileSkips(opts.Skip)
	if err != nil {
		return nil, err
	}

	r, err := newRegistry(abs, opts)
	if err != nil {
		return nil, err
	}

	op := logging.StartOperation(r.logger, "build module tree")
	b := &builder{registry: r, skips: skips}
	if err := b.walk(ctx, r.root, abs); err != nil {
		op.EndWithError(ctx, err)
		return nil, err
	}
	op.End(ctx, "dir", abs, "modules", len(r.modules))
	r.metrics.ObserveBuild()

	return r, nil
}

type builder struct {
	registry *Registry
	skips    []glob.Glob
}

func compileSkips(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.WrapConfig(err, errors.ErrCodeConfigInvalid, fmt.Sprintf("invalid skip pattern %q", p))
		}
		out = append(out, g)
	}
	return out, nil
}

// group is the files of one module within a directory, in name order.
type group struct {
	stem  string
	files []string
}

func (b *builder) walk(ctx context.Context, node *tree.Node[*Module], dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.WrapIO(err, errors.ErrCodeFileNotFound, "reading directory").WithLocation(dir, 0, 0)
	}

	dirs := make(map[string]struct{})
	var groups []*group
	byStem := make(map[string]*group)

	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(dir, name)
		if b.skipped(name, full) {
			continue
		}

		if entry.IsDir() {
			dirs[name] = struct{}{}
			child := tree.New[*Module](name, nil)
			if err := node.AddChild(child); err != nil {
				return err
			}
			if err := b.walk(ctx, child, full); err != nil {
				return err
			}
			continue
		}
		if !entry.Type().IsRegular() {
			continue
		}

		stem := moduleName(name)
		if stem == "" {
			b.registry.logger.Debug(ctx, "Skipping file without a module name", "file", full)
			continue
		}
		g, ok := byStem[stem]
		if !ok {
			g = &group{stem: stem}
			byStem[stem] = g
			groups = append(groups, g)
		}
		g.files = append(g.files, full)
	}

	for _, g := range groups {
		if _, clash := dirs[g.stem]; clash {
			return errors.NewModuleNamingError(filepath.Join(dir, g.stem),
				fmt.Sprintf("module %q has the same name as a directory", g.stem))
		}
		m, err := b.newTreeModule(node, dir, g)
		if err != nil {
			return err
		}
		b.registry.modules = append(b.registry.modules, m)
		b.registry.byPath[m.path] = m
	}
	return nil
}

func (b *builder) newTreeModule(parent *tree.Node[*Module], dir string, g *group) (*Module, error) {
	m := newModule(b.registry, g.stem, dir)
	for _, file := range g.files {
		base := filepath.Base(file)
		if !strings.HasPrefix(base, g.stem) {
			return nil, errors.NewModuleNamingError(file,
				fmt.Sprintf("file %q does not start with module name %q", base, g.stem))
		}
		nickname := nicknameFor(g.stem, base)
		if other, dup := m.files[nickname]; dup {
			return nil, errors.NewModuleNamingError(file,
				fmt.Sprintf("nickname %q of module %q is derived from both %s and %s",
					nickname, g.stem, filepath.Base(other), base))
		}
		m.files[nickname] = file
		m.nicknames = append(m.nicknames, nickname)
	}

	m.node = tree.New(g.stem, m)
	if err := parent.AddChild(m.node); err != nil {
		return nil, err
	}
	path, err := m.node.Path()
	if err != nil {
		return nil, err
	}
	m.path = path
	return m, nil
}

// skipped reports whether a directory entry is left out of the tree.
func (b *builder) skipped(name, full string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	if strings.HasPrefix(name, "__") && !IsURLArgument(name) {
		return true
	}
	rel, err := filepath.Rel(b.registry.dir, full)
	if err != nil {
		rel = name
	}
	rel = filepath.ToSlash(rel)
	for _, g := range b.skips {
		if g.Match(rel) || g.Match(name) {
			return true
		}
	}
	return false
}

// IsURLArgument reports whether a node name is a URL-argument placeholder
// such as __id__.
func IsURLArgument(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

// moduleName returns the stem of a file name: everything before the first
// '_' or '.'.
func moduleName(base string) string {
	if i := strings.IndexAny(base, "_."); i >= 0 {
		return base[:i]
	}
	return base
}

// nicknameFor derives a nickname by stripping the stem, the separators that
// follow it and a trailing script extension.
//
//	Post.hcl          ""
//	Post_helpers.hcl  "helpers"
//	Post.html         "html"
//	Post_row.html     "row.html"
func nicknameFor(stem, base string) string {
	rest := strings.TrimLeft(strings.TrimPrefix(base, stem), "_.")
	if strings.EqualFold(rest, "hcl") {
		return ""
	}
	if analyzer.KindOf(rest) == analyzer.KindScript {
		return rest[:len(rest)-len(filepath.Ext(rest))]
	}
	return rest
}

func splitPath(ref string) []string {
	return strings.Split(ref, tree.Separator)
}

func joinPath(segments []string) string {
	return strings.Join(segments, tree.Separator)
}
