package server

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/conneroisu/treeline/internal/errors"
)

// httpSink delivers a render outcome as an HTTP response. HTML is buffered
// until Finish so that headers and cookies set by hooks still apply.
type httpSink struct {
	w     http.ResponseWriter
	r     *http.Request
	debug bool
	body  bytes.Buffer
}

func newHTTPSink(w http.ResponseWriter, r *http.Request, debug bool) *httpSink {
	return &httpSink{w: w, r: r, debug: debug}
}

func (s *httpSink) WriteHTML(chunk string) error {
	_, err := s.body.WriteString(chunk)
	return err
}

func (s *httpSink) Finish() {
	h := s.w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	s.w.WriteHeader(http.StatusOK)
	if s.r.Method != http.MethodHead {
		_, _ = s.w.Write(s.body.Bytes())
	}
}

func (s *httpSink) Redirect(url string, permanent bool) {
	status := http.StatusFound
	if permanent {
		status = http.StatusMovedPermanently
	}
	http.Redirect(s.w, s.r, url, status)
}

func (s *httpSink) NotFound() {
	s.page(http.StatusNotFound, nil)
}

func (s *httpSink) Error(status int, message string, cause error) {
	if cause == nil && message != "" {
		cause = fmt.Errorf("%s", message)
	}
	s.page(status, cause)
}

func (s *httpSink) page(status int, cause error) {
	writeErrorPage(s.w, s.r, status, cause, s.debug)
}

func writeErrorPage(w http.ResponseWriter, r *http.Request, status int, cause error, debug bool) {
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write([]byte(errors.ErrorPage(status, cause, debug)))
	}
}
