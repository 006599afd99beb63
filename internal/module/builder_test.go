package module

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/treeline/internal/errors"
)

func TestNicknameFor(t *testing.T) {
	tests := []struct {
		stem, base, want string
	}{
		{"Post", "Post.hcl", ""},
		{"Post", "Post.HCL", ""},
		{"Post", "Post_helpers.hcl", "helpers"},
		{"Post", "Post.html", "html"},
		{"Post", "Post_row.html", "row.html"},
		{"Post", "Post.css", "css"},
		{"Post", "Post__x.tmpl", "x.tmpl"},
		{"Post", "Post.data.json", "data.json"},
		{"Post", "Post", ""},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			assert.Equal(t, tt.want, nicknameFor(tt.stem, tt.base))
		})
	}
}

func TestModuleName(t *testing.T) {
	assert.Equal(t, "Post", moduleName("Post_row.html"))
	assert.Equal(t, "Post", moduleName("Post.hcl"))
	assert.Equal(t, "README", moduleName("README"))
	assert.Equal(t, "", moduleName("_redirects"))
}

func TestIsURLArgument(t *testing.T) {
	assert.True(t, IsURLArgument("__id__"))
	assert.False(t, IsURLArgument("____"))
	assert.False(t, IsURLArgument("__private"))
	assert.False(t, IsURLArgument("id"))
}

func TestBuildGroupsFilesByStem(t *testing.T) {
	r := buildTree(t, map[string]string{
		"public/Home.hcl":           `x = 1`,
		"public/Home.html":          `<p></p>`,
		"public/Home_row.html":      `<li></li>`,
		"public/Home.css":           `p {}`,
		"public/blog/Post.hcl":      `x = 1`,
		"public/__id__/Detail.hcl":  `x = 1`,
		"public/__drafts/Draft.hcl": `x = 1`,
		"public/.hidden.hcl":        `x = 1`,
		"public/_redirects":         `/a /b`,
		"lib/Base.hcl":              `x = 1`,
	}, nil)

	var paths []string
	for _, m := range r.Modules() {
		paths = append(paths, m.Path())
	}
	assert.ElementsMatch(t, []string{
		"lib.Base",
		"public.Home",
		"public.blog.Post",
		"public.__id__.Detail",
	}, paths)

	home := mustModule(t, r, "public.Home")
	assert.Equal(t, "Home", home.Name())
	assert.ElementsMatch(t, []string{"", "html", "row.html", "css"}, home.Nicknames())
	assert.Equal(t, "public.Home:row.html", home.ResourcePath("row.html"))
	assert.Equal(t, "public.Home:", home.ResourcePath("hcl"))

	node := r.Root().FindByPath("public.blog.Post")
	require.NotNil(t, node)
	assert.Same(t, mustModule(t, r, "public.blog.Post"), node.Value)
	assert.Nil(t, r.Root().FindByPath("public.blog").Value)
}

func TestBuildSkipPatterns(t *testing.T) {
	root := writeTree(t, map[string]string{
		"public/Home.hcl":        `x = 1`,
		"public/Home.hcl.bak":    `x = 1`,
		"public/drafts/Post.hcl": `x = 1`,
		"public/wip/Page.hcl":    `x = 1`,
	})

	r, err := Build(context.Background(), root, Options{Skip: []string{"*.bak", "drafts", "public/wip/**"}})
	require.NoError(t, err)

	var paths []string
	for _, m := range r.Modules() {
		paths = append(paths, m.Path())
	}
	assert.Equal(t, []string{"public.Home"}, paths)
	assert.Equal(t, []string{""}, mustModule(t, r, "public.Home").Nicknames())
}

func TestBuildRejectsInvalidSkipPattern(t *testing.T) {
	_, err := Build(context.Background(), writeTree(t, nil), Options{Skip: []string{"[a-"}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestBuildNamingErrors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
	}{
		{
			name: "module and directory share a name",
			files: map[string]string{
				"public/Blog.hcl":      `x = 1`,
				"public/Blog/Post.hcl": `x = 1`,
			},
		},
		{
			name: "two files derive one nickname",
			files: map[string]string{
				"public/Home":     `x`,
				"public/Home.hcl": `x = 1`,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(context.Background(), writeTree(t, tt.files), Options{})
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeModuleNaming), "got %v", err)
		})
	}
}

func TestBuildMissingRoot(t *testing.T) {
	_, err := Build(context.Background(), "/does/not/exist", Options{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeIO))
}

func TestMainNickname(t *testing.T) {
	r := buildTree(t, map[string]string{
		"public/A.hcl":  `x = 1`,
		"public/A.html": `a`,
		"public/B.css":  `b {}`,
		"public/B.html": `b`,
		"public/C.css":  `c {}`,
	}, nil)

	assert.Equal(t, "", mustModule(t, r, "public.A").MainNickname())
	assert.Equal(t, "html", mustModule(t, r, "public.B").MainNickname())
	assert.Equal(t, "css", mustModule(t, r, "public.C").MainNickname())
}
