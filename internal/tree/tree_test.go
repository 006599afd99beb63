package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/treeline/internal/errors"
)

func names[T any](nodes []*Node[T]) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name()
	}
	return out
}

// buildSample returns root -> public -> {Home, about -> About}.
func buildSample(t *testing.T) (root, public, about, aboutMod *Node[int]) {
	t.Helper()
	root = New("", 0)
	public = New("public", 1)
	home := New("Home", 2)
	about = New("about", 3)
	aboutMod = New("About", 4)

	require.NoError(t, root.AddChild(public))
	require.NoError(t, public.AddChild(home))
	require.NoError(t, public.AddChild(about))
	require.NoError(t, about.AddChild(aboutMod))
	return root, public, about, aboutMod
}

func TestAddChildAndLookup(t *testing.T) {
	root, public, about, aboutMod := buildSample(t)

	assert.Equal(t, public, root.Child("public"))
	assert.Nil(t, root.Child("missing"))
	assert.Equal(t, []string{"Home", "about"}, names(public.Children()))
	assert.Equal(t, aboutMod, root.FindByPath("public.about.About"))
	assert.Equal(t, about, public.FindByPath("about"))
	assert.Equal(t, root, root.FindByPath(""))
	assert.Nil(t, root.FindByPath("public.nope.About"))
}

func TestAddChildMovesNode(t *testing.T) {
	root, public, about, aboutMod := buildSample(t)

	require.NoError(t, public.AddChild(aboutMod))

	assert.Nil(t, about.Child("About"))
	assert.Equal(t, public, aboutMod.Parent())
	assert.Equal(t, aboutMod, root.FindByPath("public.About"))
	assert.Equal(t, []string{"Home", "about", "About"}, names(public.Children()))
}

func TestAddChildRejectsCycles(t *testing.T) {
	root, public, _, aboutMod := buildSample(t)

	err := aboutMod.AddChild(public)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCyclicalStructure))

	err = root.AddChild(root)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCyclicalStructure))
}

func TestRemoveChild(t *testing.T) {
	_, public, about, _ := buildSample(t)

	public.RemoveChild(about)
	assert.Nil(t, public.Child("about"))
	assert.Nil(t, about.Parent())
	assert.Equal(t, []string{"Home"}, names(public.Children()))

	// Removing a node that is not a child is a no-op.
	public.RemoveChild(New("stranger", 0))
	assert.Len(t, public.Children(), 1)
}

func TestAncestryAndPath(t *testing.T) {
	root, public, about, aboutMod := buildSample(t)

	ancestors, err := aboutMod.AncestorsIncludingSelf()
	require.NoError(t, err)
	assert.Equal(t, []string{"About", "about", "public", ""}, names(ancestors))

	isAnc, err := public.IsAncestorOf(aboutMod)
	require.NoError(t, err)
	assert.True(t, isAnc)

	isAnc, err = aboutMod.IsAncestorOf(public)
	require.NoError(t, err)
	assert.False(t, isAnc)

	isAnc, err = about.IsAncestorOf(about)
	require.NoError(t, err)
	assert.False(t, isAnc)

	path, err := aboutMod.Path()
	require.NoError(t, err)
	assert.Equal(t, "public.about.About", path)

	gotRoot, err := aboutMod.Root()
	require.NoError(t, err)
	assert.Equal(t, root, gotRoot)
}

func TestDescendantsAndWalk(t *testing.T) {
	root, _, _, _ := buildSample(t)

	desc, err := root.Descendants()
	require.NoError(t, err)
	assert.Equal(t, []string{"public", "Home", "about", "About"}, names(desc))

	var visited []string
	require.NoError(t, root.Walk(func(n *Node[int]) error {
		visited = append(visited, n.Name())
		return nil
	}))
	assert.Equal(t, []string{"", "public", "Home", "about", "About"}, visited)
}

func TestDistance(t *testing.T) {
	root, public, _, aboutMod := buildSample(t)
	home := public.Child("Home")

	d, err := aboutMod.Distance(home)
	require.NoError(t, err)
	assert.Equal(t, 3, d)

	d, err = root.Distance(root)
	require.NoError(t, err)
	assert.Equal(t, 0, d)

	d, err = root.Distance(New("island", 0))
	require.NoError(t, err)
	assert.Equal(t, -1, d)
}

func TestTraversalsDetectCorruptedTree(t *testing.T) {
	a := New("a", 0)
	b := New("b", 0)
	// Wire a cycle by hand, bypassing AddChild's guard.
	a.parent = b
	b.parent = a
	a.children["b"] = b
	a.order = []string{"b"}
	b.children["a"] = a
	b.order = []string{"a"}

	_, err := a.AncestorsIncludingSelf()
	assert.True(t, errors.IsType(err, errors.ErrorTypeCyclicalStructure))

	_, err = a.Path()
	assert.True(t, errors.IsType(err, errors.ErrorTypeCyclicalStructure))

	_, err = a.Descendants()
	assert.True(t, errors.IsType(err, errors.ErrorTypeCyclicalStructure))

	_, err = New("c", 0).IsAncestorOf(a)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCyclicalStructure))
}
