package bundle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/module"
)

func buildRegistry(t *testing.T, files map[string]string) *module.Registry {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	reg, err := module.Build(context.Background(), root, module.Options{})
	require.NoError(t, err)
	return reg
}

var site = map[string]string{
	"lib/Base.hcl":           `x = 1`,
	"lib/Base.css":           `body { margin: 0 }`,
	"lib/Base_boot.js":       `console.log("boot")`,
	"public/Home.hcl":        "base = lib.Base\nexport = base",
	"public/Home.css":        `.home {}`,
	"public/blog/Post.hcl":   "base = lib.Base\nexport = base",
	"public/blog/Post.css":   `.post {}`,
	"public/blog/Extra.css":  `.extra {}`,
	"public/about/About.hcl": `x = 1`,
}

func TestBundlesNeverRepeatAResource(t *testing.T) {
	reg := buildRegistry(t, site)
	plan, err := Build(context.Background(), reg, []Definition{
		{Name: "core", Include: []string{"lib.**"}},
		{Name: "everything", Include: []string{"**"}},
		{Name: "blog", Include: []string{"public.blog.*"}},
	}, "")
	require.NoError(t, err)

	seen := make(map[string]string)
	for _, b := range plan.Bundles() {
		for _, a := range b.Assets() {
			prev, dup := seen[a.Resource]
			assert.False(t, dup, "%s is in %s and %s", a.Resource, prev, b.Name())
			seen[a.Resource] = b.Name()
		}
	}
	assert.Equal(t, "core", seen["lib.Base:css"])
	assert.Equal(t, "core", seen["lib.Base:boot.js"])
	assert.Equal(t, "everything", seen["public.blog.Post:css"])

	blog, ok := plan.Bundle("blog")
	require.True(t, ok)
	assert.Empty(t, blog.Assets())
}

func TestImplicitBundlesAndURLs(t *testing.T) {
	reg := buildRegistry(t, site)
	plan, err := Build(context.Background(), reg, nil, "/assets/")
	require.NoError(t, err)

	base, ok := plan.Bundle("lib.Base")
	require.True(t, ok)
	require.Len(t, base.AllStyles(), 1)
	require.Len(t, base.AllScripts(), 1)
	assert.True(t, strings.HasPrefix(base.AllStyles()[0], "/assets/"))
	assert.True(t, strings.HasSuffix(base.AllStyles()[0], "/lib.Base.Base.css"))
	assert.True(t, strings.HasSuffix(base.AllScripts()[0], "/lib.Base.Base_boot.js"))

	_, ok = plan.Bundle("public.about.About")
	assert.False(t, ok, "modules without assets get no bundle")
}

func TestRequiredForFollowsDependencies(t *testing.T) {
	reg := buildRegistry(t, site)
	plan, err := Build(context.Background(), reg, []Definition{
		{Name: "blog", Include: []string{"public.blog.**"}},
	}, "")
	require.NoError(t, err)

	post, ok := reg.Module("public.blog.Post")
	require.True(t, ok)
	var names []string
	for _, b := range plan.RequiredFor(post) {
		names = append(names, b.Name())
	}
	assert.Equal(t, []string{"blog", "lib.Base"}, names)

	about, ok := reg.Module("public.about.About")
	require.True(t, ok)
	names = nil
	for _, b := range plan.RequiredFor(about, "lib.Base", "missing") {
		names = append(names, b.Name())
	}
	assert.Equal(t, []string{"lib.Base"}, names)
}

func TestServeHTTP(t *testing.T) {
	reg := buildRegistry(t, site)
	plan, err := Build(context.Background(), reg, nil, "")
	require.NoError(t, err)

	home, ok := plan.Bundle("public.Home")
	require.True(t, ok)
	url := home.AllStyles()[0]

	rec := httptest.NewRecorder()
	plan.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ".home {}", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Cache-Control"), "immutable")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/css")

	rec = httptest.NewRecorder()
	plan.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultPrefix+"/nope/x.css", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuildRejectsBadDefinitions(t *testing.T) {
	reg := buildRegistry(t, site)

	_, err := Build(context.Background(), reg, []Definition{{Name: "a"}, {Name: "a"}}, "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = Build(context.Background(), reg, []Definition{{Name: "a", Include: []string{"[a-"}}}, "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
