package controller

import (
	"net/http"
	"time"
)

// CookieOptions are the attributes of a cookie set by a hook.
type CookieOptions struct {
	Path     string
	MaxAge   time.Duration
	HTTPOnly bool
	Secure   bool
	SameSite http.SameSite
}

// CookieJar reads request cookies and queues response cookies.
type CookieJar interface {
	Get(name string) (string, bool)
	Set(cookie *http.Cookie)
}

// Request is an immutable snapshot of an incoming request.
type Request struct {
	url           string
	originalURL   string
	path          string
	headers       http.Header
	pathArguments map[string]string
	query         map[string]string
	jar           CookieJar
}

// RequestInit carries the values a Request is built from.
type RequestInit struct {
	URL           string
	OriginalURL   string
	Path          string
	Headers       http.Header
	PathArguments map[string]string
	Query         map[string]string
	Cookies       CookieJar
}

// NewRequest copies init into a Request.
func NewRequest(init RequestInit) *Request {
	r := &Request{
		url:           init.URL,
		originalURL:   init.OriginalURL,
		path:          init.Path,
		headers:       init.Headers.Clone(),
		pathArguments: copyMap(init.PathArguments),
		query:         copyMap(init.Query),
		jar:           init.Cookies,
	}
	if r.headers == nil {
		r.headers = http.Header{}
	}
	if r.originalURL == "" {
		r.originalURL = r.url
	}
	return r
}

// FromHTTP snapshots an *http.Request. The first value of each query key is kept.
func FromHTTP(hr *http.Request, pathArguments map[string]string, jar CookieJar) *Request {
	query := make(map[string]string)
	for key, values := range hr.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	original := hr.RequestURI
	if original == "" {
		original = hr.URL.RequestURI()
	}

	return NewRequest(RequestInit{
		URL:           hr.URL.RequestURI(),
		OriginalURL:   original,
		Path:          hr.URL.Path,
		Headers:       hr.Header,
		PathArguments: pathArguments,
		Query:         query,
		Cookies:       jar,
	})
}

// WithPathArguments returns a copy of r with the given path arguments.
func (r *Request) WithPathArguments(args map[string]string) *Request {
	cp := *r
	cp.pathArguments = copyMap(args)
	return &cp
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// URL returns the request URI.
func (r *Request) URL() string { return r.url }

// OriginalURL returns the URI before any internal rewrite.
func (r *Request) OriginalURL() string { return r.originalURL }

// Path returns the URL path.
func (r *Request) Path() string { return r.path }

// Header returns the first value of a request header.
func (r *Request) Header(name string) string { return r.headers.Get(name) }

// Headers returns a copy of all request headers.
func (r *Request) Headers() http.Header { return r.headers.Clone() }

// PathArgument returns the value captured for a URL-argument directory.
func (r *Request) PathArgument(name string) (string, bool) {
	v, ok := r.pathArguments[name]
	return v, ok
}

// PathArguments returns a copy of the captured URL arguments.
func (r *Request) PathArguments() map[string]string { return copyMap(r.pathArguments) }

// QueryValue returns a query parameter.
func (r *Request) QueryValue(key string) (string, bool) {
	v, ok := r.query[key]
	return v, ok
}

// Query returns a copy of the query parameters.
func (r *Request) Query() map[string]string { return copyMap(r.query) }

// GetCookie reads a request cookie.
func (r *Request) GetCookie(name string) (string, bool) {
	if r.jar == nil {
		return "", false
	}
	return r.jar.Get(name)
}

// SetCookie queues a response cookie.
func (r *Request) SetCookie(name, value string, opts CookieOptions) {
	if r.jar == nil {
		return
	}
	path := opts.Path
	if path == "" {
		path = "/"
	}
	r.jar.Set(&http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   int(opts.MaxAge.Seconds()),
		HttpOnly: opts.HTTPOnly,
		Secure:   opts.Secure,
		SameSite: opts.SameSite,
	})
}

// HTTPJar adapts an http request/response pair to CookieJar.
type HTTPJar struct {
	Request *http.Request
	Writer  http.ResponseWriter
}

// Get implements CookieJar.
func (j HTTPJar) Get(name string) (string, bool) {
	c, err := j.Request.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

// Set implements CookieJar.
func (j HTTPJar) Set(cookie *http.Cookie) {
	http.SetCookie(j.Writer, cookie)
}
