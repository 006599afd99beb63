// Package proxy forwards browser API calls to configured upstreams, adding
// server-side secrets the browser never sees. Unsafe methods require the
// proxy's CSRF token.
package proxy

import (
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/logging"
	"github.com/conneroisu/treeline/internal/metrics"
	"github.com/conneroisu/treeline/internal/netclient"
)

// DefaultPrefix is the URL prefix proxies are mounted under.
const DefaultPrefix = "/_treeline/proxy"

const (
	maxRequestBody = 10 << 20
	limiterEntries = 4096
)

// forwardedHeaders are the client headers passed upstream.
var forwardedHeaders = []string{"Accept", "Accept-Language", "Content-Type", "If-None-Match", "If-Modified-Since"}

// hopHeaders are response headers never copied back to the client.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
	"Set-Cookie":          {},
}

// Definition configures one proxy.
type Definition struct {
	Name   string `mapstructure:"name" yaml:"name" json:"name"`
	Target string `mapstructure:"target" yaml:"target" json:"target"`
	// Headers are added to every upstream request. Values expand $VAR and
	// ${VAR} from the server environment.
	Headers map[string]string `mapstructure:"headers" yaml:"headers" json:"headers"`
	// Methods lists the allowed methods; empty allows all.
	Methods []string `mapstructure:"methods" yaml:"methods" json:"methods"`
	// Rate is requests per second per client; zero disables limiting.
	Rate    float64       `mapstructure:"rate" yaml:"rate" json:"rate"`
	Burst   int           `mapstructure:"burst" yaml:"burst" json:"burst"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// APIRequest is the upstream request being prepared.
type APIRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// ModifyRequestFunc adjusts the upstream request built from the browser request.
type ModifyRequestFunc func(r *http.Request, api *APIRequest) error

// ModifyResponseFunc inspects the upstream response. Returning true means the
// hook wrote the response to w itself.
type ModifyResponseFunc func(api *APIRequest, resp *netclient.Response, w http.ResponseWriter) (bool, error)

// Hooks customise a proxy.
type Hooks struct {
	ModifyRequest  ModifyRequestFunc
	ModifyResponse ModifyResponseFunc
}

// Options configures a Set.
type Options struct {
	Prefix string
	// Secret signs CSRF tokens. A random secret is generated when empty.
	Secret  []byte
	Client  *netclient.Client
	Logger  logging.Logger
	Metrics *metrics.Collectors
}

// Set is every configured proxy, served under one prefix.
type Set struct {
	prefix  string
	tokens  tokens
	proxies map[string]*Proxy
	names   []string
}

// NewSet validates the definitions and creates their proxies.
func NewSet(defs []Definition, opts Options) (*Set, error) {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Client == nil {
		opts.Client = netclient.New(opts.Logger)
	}
	if len(opts.Secret) == 0 {
		opts.Secret = make([]byte, 32)
		if _, err := rand.Read(opts.Secret); err != nil {
			return nil, errors.WrapInternal(err, errors.ErrCodeInternalError, "generating CSRF secret")
		}
	}

	s := &Set{
		prefix:  strings.TrimSuffix(opts.Prefix, "/"),
		tokens:  tokens{secret: opts.Secret},
		proxies: make(map[string]*Proxy, len(defs)),
	}
	logger := opts.Logger.WithComponent("proxy")
	for _, def := range defs {
		if _, dup := s.proxies[def.Name]; dup {
			return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
				fmt.Sprintf("proxy %q is defined twice", def.Name))
		}
		p, err := newProxy(def, s.tokens, opts.Client, logger, opts.Metrics)
		if err != nil {
			return nil, err
		}
		s.proxies[def.Name] = p
		s.names = append(s.names, def.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Prefix returns the mount prefix.
func (s *Set) Prefix() string { return s.prefix }

// Names returns the proxy names, sorted.
func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}

// Proxy returns a proxy by name.
func (s *Set) Proxy(name string) (*Proxy, bool) {
	p, ok := s.proxies[name]
	return p, ok
}

// IssueTokens makes sure the client holds a CSRF cookie for every proxy and
// returns the tokens by proxy name.
func (s *Set) IssueTokens(w http.ResponseWriter, r *http.Request) map[string]string {
	out := make(map[string]string, len(s.names))
	for _, name := range s.names {
		out[name] = s.tokens.issue(w, r, name)
	}
	return out
}

// ServeHTTP dispatches <prefix>/<name>/<rest> to the named proxy.
func (s *Set) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest, ok := strings.CutPrefix(r.URL.Path, s.prefix+"/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	name, rest, _ := strings.Cut(rest, "/")
	p, ok := s.proxies[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	p.serve(w, r, rest)
}

// Proxy forwards requests to one upstream.
type Proxy struct {
	name    string
	target  *url.URL
	headers http.Header
	methods map[string]struct{}
	timeout time.Duration
	limit   rate.Limit
	burst   int

	client  *netclient.Client
	tokens  tokens
	logger  logging.Logger
	errs    *errors.ErrorHandler
	metrics *metrics.Collectors

	mu       sync.Mutex
	hooks    Hooks
	limiters *lru.Cache[string, *rate.Limiter]
}

func newProxy(def Definition, tok tokens, client *netclient.Client, logger logging.Logger, m *metrics.Collectors) (*Proxy, error) {
	if !validName(def.Name) {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("proxy name %q must be letters, digits, '-' or '_'", def.Name))
	}
	target, err := url.Parse(def.Target)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("proxy %s: target %q must be an absolute http(s) URL", def.Name, def.Target))
	}

	headers := make(http.Header, len(def.Headers))
	for k, v := range def.Headers {
		headers.Set(k, os.ExpandEnv(v))
	}
	methods := make(map[string]struct{}, len(def.Methods))
	for _, method := range def.Methods {
		methods[strings.ToUpper(method)] = struct{}{}
	}

	limit := rate.Inf
	if def.Rate > 0 {
		limit = rate.Limit(def.Rate)
	}
	burst := def.Burst
	if burst <= 0 {
		burst = 1
	}
	limiters, err := lru.New[string, *rate.Limiter](limiterEntries)
	if err != nil {
		return nil, errors.WrapInternal(err, errors.ErrCodeInternalError, "creating limiter cache")
	}

	l := logger.With("proxy", def.Name)
	return &Proxy{
		name:     def.Name,
		target:   target,
		headers:  headers,
		methods:  methods,
		timeout:  def.Timeout,
		limit:    limit,
		burst:    burst,
		client:   client,
		tokens:   tok,
		logger:   l,
		errs:     errors.NewErrorHandler(l),
		metrics:  m,
		limiters: limiters,
	}, nil
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Name returns the proxy name.
func (p *Proxy) Name() string { return p.name }

// SetHooks installs request and response hooks.
func (p *Proxy) SetHooks(h Hooks) {
	p.mu.Lock()
	p.hooks = h
	p.mu.Unlock()
}

func (p *Proxy) currentHooks() Hooks {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hooks
}

// Token returns the client's CSRF token, issuing a cookie if needed.
func (p *Proxy) Token(w http.ResponseWriter, r *http.Request) string {
	return p.tokens.issue(w, r, p.name)
}

// VerifyToken checks the CSRF header of r.
func (p *Proxy) VerifyToken(r *http.Request) error {
	return p.tokens.verify(r, p.name)
}

func (p *Proxy) serve(w http.ResponseWriter, r *http.Request, rest string) {
	if len(p.methods) > 0 {
		if _, ok := p.methods[r.Method]; !ok {
			p.metrics.ObserveProxy(p.name, "method_not_allowed")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
	}

	tw := &trackingWriter{ResponseWriter: w}
	err := p.forward(tw, r, rest)
	if err == nil {
		p.metrics.ObserveProxy(p.name, "ok")
		return
	}

	result := outcome(err)
	p.metrics.ObserveProxy(p.name, result)
	if result == "rate_limited" || result == "csrf" {
		logging.LogSecurityEvent(r.Context(), p.logger, result, map[string]interface{}{
			"code":   errors.Innermost(err).Code,
			"client": clientIP(r),
			"method": r.Method,
			"path":   r.URL.Path,
		})
	} else {
		p.errs.Handle(r.Context(), err, "path", r.URL.Path, "method", r.Method)
	}
	if tw.wrote {
		return
	}
	status := errors.StatusCode(err)
	http.Error(w, http.StatusText(status), status)
}

func outcome(err error) string {
	switch {
	case errors.HasCode(err, errors.ErrCodeRateLimited):
		return "rate_limited"
	case errors.HasCode(err, errors.ErrCodeCSRF):
		return "csrf"
	case errors.HasCode(err, errors.ErrCodeNetwork):
		return "upstream_error"
	default:
		return "hook_error"
	}
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, rest string) error {
	if !p.limiter(clientIP(r)).Allow() {
		return &errors.TreelineError{
			Type:     errors.ErrorTypeProxy,
			Code:     errors.ErrCodeRateLimited,
			Message:  "rate limit exceeded",
			Resource: p.name,
		}
	}
	if !safeMethod(r.Method) {
		if err := p.tokens.verify(r, p.name); err != nil {
			return err
		}
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			return errors.NewProxyError(p.name, "reading request body", err)
		}
	}

	api := &APIRequest{
		Method: r.Method,
		URL:    p.upstreamURL(rest, r.URL.RawQuery),
		Header: make(http.Header),
		Body:   body,
	}
	for _, h := range forwardedHeaders {
		if v := r.Header.Get(h); v != "" {
			api.Header.Set(h, v)
		}
	}
	for k, vs := range p.headers {
		api.Header[k] = append([]string(nil), vs...)
	}

	hooks := p.currentHooks()
	if hooks.ModifyRequest != nil {
		if err := p.hook("modify request", func() error { return hooks.ModifyRequest(r, api) }); err != nil {
			return err
		}
	}

	resp, err := p.client.Send(r.Context(), api.URL, netclient.Options{
		Method:  api.Method,
		Header:  api.Header,
		Body:    api.Body,
		Timeout: p.timeout,
	})
	if err != nil {
		return errors.NewProxyError(p.name, "upstream request failed", err)
	}

	if hooks.ModifyResponse != nil {
		handled := false
		if err := p.hook("modify response", func() error {
			var err error
			handled, err = hooks.ModifyResponse(api, resp, w)
			return err
		}); err != nil {
			return err
		}
		if handled {
			return nil
		}
	}

	for k, vs := range resp.Header {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(k)]; hop {
			continue
		}
		w.Header()[k] = vs
	}
	w.WriteHeader(resp.Status)
	_, err = w.Write(resp.Body)
	return err
}

// hook runs a user hook, turning a panic or error into a ProxyError.
func (p *Proxy) hook(stage string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.NewProxyError(p.name, stage+" hook panicked", errors.FromPanic(rec))
		}
	}()
	if err := fn(); err != nil {
		return errors.NewProxyError(p.name, stage+" hook failed", err)
	}
	return nil
}

// upstreamURL joins rest under the target path. rest is cleaned first so it
// cannot climb above the target.
func (p *Proxy) upstreamURL(rest, rawQuery string) string {
	u := *p.target
	clean := strings.TrimPrefix(path.Clean("/"+rest), "/")
	u.Path = strings.TrimSuffix(p.target.Path, "/") + "/" + clean
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

func (p *Proxy) limiter(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.limiters.Get(key); ok {
		return l
	}
	l := rate.NewLimiter(p.limit, p.burst)
	p.limiters.Add(key, l)
	return l
}

// clientIP extracts the client address, preferring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// trackingWriter records whether anything reached the client.
type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackingWriter) WriteHeader(status int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(status)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(b)
}
