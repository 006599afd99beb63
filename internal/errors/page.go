package errors

import (
	"bufio"
	"fmt"
	"html"
	"os"
	"strings"
)

// excerptRadius is the number of lines shown on each side of the failing line.
const excerptRadius = 3

// SourceLine is one line of a source excerpt.
type SourceLine struct {
	Number  int
	Text    string
	Failing bool
}

// SourceExcerpt reads the lines around line from file. It returns nil when the
// file cannot be read or line is unknown.
func SourceExcerpt(file string, line int) []SourceLine {
	if file == "" || line <= 0 {
		return nil
	}

	f, err := os.Open(file)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []SourceLine
	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		if n < line-excerptRadius {
			continue
		}
		if n > line+excerptRadius {
			break
		}
		lines = append(lines, SourceLine{Number: n, Text: scanner.Text(), Failing: n == line})
	}

	return lines
}

// ErrorPage renders err as an HTML document. With debug set it includes the
// error chain, related failures and a source excerpt; otherwise a generic
// message for status.
func ErrorPage(status int, err error, debug bool) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	fmt.Fprintf(&b, "%d", status)
	b.WriteString("</title></head>\n<body style=\"font-family: 'Monaco', 'Menlo', monospace; font-size: 14px; margin: 20px;\">\n")

	if !debug || err == nil {
		fmt.Fprintf(&b, "<h1>%d</h1>\n<p>%s</p>\n</body></html>\n", status, html.EscapeString(genericMessage(status)))
		return b.String()
	}

	b.WriteString(`<div id="treeline-error" style="max-width: 1000px; margin: 0 auto;">` + "\n")
	fmt.Fprintf(&b, "<h2 style=\"color: #c0392b;\">%d %s</h2>\n", status, html.EscapeString(genericMessage(status)))
	fmt.Fprintf(&b, "<pre style=\"white-space: pre-wrap;\">%s</pre>\n", html.EscapeString(err.Error()))

	if inner := Innermost(err); inner != nil {
		if inner.FilePath != "" {
			fmt.Fprintf(&b, "<div class=\"location\" style=\"color: #7f8c8d;\">%s:%d</div>\n",
				html.EscapeString(inner.FilePath), inner.Line)
		}
		if excerpt := SourceExcerpt(inner.FilePath, inner.Line); len(excerpt) > 0 {
			b.WriteString("<pre class=\"excerpt\" style=\"background: #2d3748; color: #e2e8f0; padding: 15px;\">")
			for _, l := range excerpt {
				marker := "  "
				if l.Failing {
					marker = "> "
				}
				fmt.Fprintf(&b, "%s%4d | %s\n", marker, l.Number, html.EscapeString(l.Text))
			}
			b.WriteString("</pre>\n")
		}
	}

	if related := relatedErrors(err); len(related) > 0 {
		b.WriteString("<h3>Related failures</h3>\n<ul>\n")
		for _, r := range related {
			fmt.Fprintf(&b, "<li>%s</li>\n", html.EscapeString(r.Error()))
		}
		b.WriteString("</ul>\n")
	}

	b.WriteString("</div>\n</body></html>\n")

	return b.String()
}

func relatedErrors(err error) []error {
	var related []error
	for err != nil {
		te, ok := err.(*TreelineError)
		if !ok {
			break
		}
		related = append(related, te.Related...)
		err = te.Cause
	}

	return related
}

func genericMessage(status int) string {
	switch status {
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 504:
		return "Gateway Timeout"
	default:
		return "Internal Server Error"
	}
}
