package render

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func TestCheckMeta(t *testing.T) {
	tests := []struct {
		name    string
		meta    string
		wantErr string
	}{
		{name: "empty", meta: ""},
		{name: "whitespace", meta: "  \n "},
		{name: "meta and link", meta: `<meta name="x" content="y"><link rel="icon" href="/f.ico">`},
		{name: "inline style", meta: `<style>body{}</style>`},
		{name: "element outside head", meta: `<div>hi</div>`, wantErr: "<div>"},
		{name: "stray text", meta: `hello <meta name="x">`, wantErr: `"hello"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkMeta(tt.meta)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDocumentEscapesTitleAndAttributes(t *testing.T) {
	doc := Document{
		Title:     `<script>alert(1)</script>`,
		Styles:    []string{`/a.css?x="y"`},
		Scripts:   []string{"/b.js"},
		Body:      "<p>hi</p>",
		Hydration: []byte(`{"a":1}`),
	}
	var buf bytes.Buffer
	require.NoError(t, doc.Component().Render(context.Background(), &buf))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "<!DOCTYPE html>"))
	assert.Contains(t, out, `<html lang="en">`)
	assert.NotContains(t, out, "<script>alert(1)</script>")
	assert.NotContains(t, out, "WebSocket")

	root, err := html.Parse(strings.NewReader(out))
	require.NoError(t, err)
	title := findElement(root, byTag("title"))
	require.NotNil(t, title)
	assert.Equal(t, `<script>alert(1)</script>`, textOf(title))
	link := findElement(root, byTag("link"))
	require.NotNil(t, link)
	assert.Equal(t, `/a.css?x="y"`, attr(link, "href"))
	state := findElement(root, func(n *html.Node) bool { return attr(n, "id") == HydrationID })
	require.NotNil(t, state)
	assert.Equal(t, `{"a":1}`, textOf(state))
}

func TestDocumentLiveReload(t *testing.T) {
	var buf bytes.Buffer
	doc := Document{Lang: "de", LiveReload: "/_treeline/live"}
	require.NoError(t, doc.Component().Render(context.Background(), &buf))

	assert.Contains(t, buf.String(), `<html lang="de">`)
	assert.Contains(t, buf.String(), `"/_treeline/live"`)
	assert.Contains(t, buf.String(), "location.reload()")
}
