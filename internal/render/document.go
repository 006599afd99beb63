package render

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/a-h/templ"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HydrationID is the id of the script element carrying the hydration state.
const HydrationID = "__treeline_state__"

// Document is everything the page shell needs.
type Document struct {
	Lang    string
	Title   string
	Meta    string
	Styles  []string
	Scripts []string
	Body    string
	// Hydration is the JSON state handed to browser code.
	Hydration []byte
	// LiveReload is the websocket path of the reload channel, empty when
	// live reload is off.
	LiveReload string
}

// Component renders the document shell.
func (d Document) Component() templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		lang := d.Lang
		if lang == "" {
			lang = "en"
		}

		var b strings.Builder
		b.WriteString("<!DOCTYPE html>\n")
		fmt.Fprintf(&b, "<html lang=\"%s\">\n<head>\n", templ.EscapeString(lang))
		b.WriteString("<meta charset=\"utf-8\">\n")
		fmt.Fprintf(&b, "<title>%s</title>\n", templ.EscapeString(d.Title))
		if d.Meta != "" {
			b.WriteString(d.Meta)
			b.WriteString("\n")
		}
		for _, href := range d.Styles {
			fmt.Fprintf(&b, "<link rel=\"stylesheet\" href=\"%s\">\n", templ.EscapeString(href))
		}
		b.WriteString("</head>\n<body>\n")
		b.WriteString(d.Body)
		b.WriteString("\n")
		if len(d.Hydration) > 0 {
			fmt.Fprintf(&b, "<script id=\"%s\" type=\"application/json\">%s</script>\n", HydrationID, d.Hydration)
		}
		for _, src := range d.Scripts {
			fmt.Fprintf(&b, "<script src=\"%s\" defer></script>\n", templ.EscapeString(src))
		}
		if d.LiveReload != "" {
			fmt.Fprintf(&b, liveReloadScript, d.LiveReload)
		}
		b.WriteString("</body>\n</html>\n")

		_, err := io.WriteString(w, b.String())
		return err
	})
}

const liveReloadScript = `<script>
(function () {
  var scheme = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(scheme + location.host + %q);
  ws.onmessage = function (e) {
    var msg = JSON.parse(e.data);
    if (msg.type === "reload") { location.reload(); }
  };
})();
</script>
`

// headElements are the elements a meta fragment may contain.
var headElements = map[atom.Atom]struct{}{
	atom.Meta:     {},
	atom.Link:     {},
	atom.Script:   {},
	atom.Style:    {},
	atom.Base:     {},
	atom.Noscript: {},
	atom.Template: {},
}

// checkMeta rejects meta fragments that would not stay inside <head>.
func checkMeta(meta string) error {
	if strings.TrimSpace(meta) == "" {
		return nil
	}
	head := &html.Node{Type: html.ElementNode, Data: "head", DataAtom: atom.Head}
	nodes, err := html.ParseFragment(strings.NewReader(meta), head)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		switch n.Type {
		case html.ElementNode:
			if _, ok := headElements[n.DataAtom]; !ok {
				return fmt.Errorf("meta contains <%s>, which does not belong in <head>", n.Data)
			}
		case html.TextNode:
			if strings.TrimSpace(n.Data) != "" {
				return fmt.Errorf("meta contains text %q outside of an element", strings.TrimSpace(n.Data))
			}
		}
	}
	return nil
}
