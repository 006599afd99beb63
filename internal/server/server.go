// Package server serves a treeline site over HTTP: pages through the render
// pipeline, bundle assets, API proxies, metrics and the live reload channel.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/conneroisu/treeline/internal/config"
	"github.com/conneroisu/treeline/internal/controller"
	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/evaluator"
	"github.com/conneroisu/treeline/internal/logging"
	"github.com/conneroisu/treeline/internal/metrics"
	"github.com/conneroisu/treeline/internal/netclient"
	"github.com/conneroisu/treeline/internal/proxy"
	"github.com/conneroisu/treeline/internal/version"
	"github.com/conneroisu/treeline/internal/watcher"
)

const (
	// LiveReloadPath is the websocket endpoint of the reload channel.
	LiveReloadPath = "/_treeline/live"
	// HealthPath reports liveness as JSON.
	HealthPath = "/_treeline/health"
	// MetricsPath serves prometheus metrics.
	MetricsPath = "/metrics"

	requestIDHeader = "X-Request-ID"
)

// Options carries the collaborators New does not build from config.
type Options struct {
	// Natives are the factories scripts can export; the process-wide set
	// is used when nil.
	Natives *evaluator.Natives
	Logger  logging.Logger
	Metrics *metrics.Collectors
}

// Server is a treeline site bound to one configuration.
type Server struct {
	config  *config.Config
	logger  logging.Logger
	metrics *metrics.Collectors
	errs    *errors.ErrorHandler

	sites   sites
	proxies *proxy.Set
	hub     *hub
	watcher *watcher.FileWatcher

	serverMutex  sync.RWMutex
	httpServer   *http.Server
	shutdownOnce sync.Once
}

// New builds the module tree (one registry per pool slot in production)
// and the proxies. Errors in the tree or configuration fail here rather
// than on the first request.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	logger := opts.Logger.WithComponent("server")

	eval, err := evaluator.New(evaluator.Options{
		Natives:   opts.Natives,
		CacheSize: cfg.Modules.CacheSize,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		metrics: opts.Metrics,
		errs:    errors.NewErrorHandler(logger),
	}

	builder := &siteBuilder{cfg: cfg, eval: eval, logger: opts.Logger, metrics: opts.Metrics}
	if cfg.Development.LiveReload {
		s.hub = newHub(opts.Logger)
		builder.live = LiveReloadPath
	}
	if cfg.Development.Debug {
		s.sites, err = newDevSites(ctx, builder)
	} else {
		s.sites, err = newPooledSites(ctx, builder, cfg.Modules.PoolSize)
	}
	if err != nil {
		return nil, err
	}

	var secret []byte
	if cfg.Server.CSRFSecret != "" {
		secret = []byte(cfg.Server.CSRFSecret)
	}
	s.proxies, err = proxy.NewSet(cfg.ProxyDefinitions(), proxy.Options{
		Secret:  secret,
		Client:  netclient.New(opts.Logger),
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		s.sites.Close()
		return nil, err
	}

	return s, nil
}

// Proxies returns the API proxies, for installing hooks.
func (s *Server) Proxies() *proxy.Set { return s.proxies }

// Handler returns the complete HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, s.metrics.Handler())
	mux.HandleFunc(HealthPath, s.handleHealth)
	mux.Handle(s.config.Render.AssetPrefix+"/", http.HandlerFunc(s.handleAsset))
	mux.Handle(s.proxies.Prefix()+"/", s.proxies)
	mux.HandleFunc("/", s.handlePage)

	var handler http.Handler = securityHeaders(mux)
	if s.config.Server.Compress {
		handler = gzhttp.GzipHandler(handler)
	}
	handler = s.logRequests(handler)

	if s.hub == nil {
		return withRequestID(handler)
	}
	// The websocket needs the raw connection, so it stays outside
	// compression.
	outer := http.NewServeMux()
	outer.Handle(LiveReloadPath, s.hub)
	outer.Handle("/", handler)
	return withRequestID(outer)
}

// Start serves until ctx is cancelled or Shutdown is called. In live
// reload mode it also watches the module root.
func (s *Server) Start(ctx context.Context) error {
	if s.hub != nil {
		if err := s.startWatcher(ctx); err != nil {
			s.logger.Warn(ctx, err, "Live reload disabled")
		}
	}

	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Addr:              s.config.Address(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, err, "Shutdown failed")
		}
	}()

	s.logger.Info(ctx, "Serving", "address", server.Addr, "root", s.config.Modules.Root,
		"debug", s.config.Development.Debug, "version", version.Get().Short())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapIO(err, errors.ErrCodeInternalError, "server error")
	}
	return nil
}

func (s *Server) startWatcher(ctx context.Context) error {
	fw, err := watcher.NewFileWatcher(s.config.Development.Debounce, s.logger)
	if err != nil {
		return err
	}
	skip, err := watcher.SkipFilter(s.config.Modules.Root, s.config.Modules.Skip)
	if err != nil {
		fw.Stop()
		return err
	}
	fw.AddFilter(watcher.NoHiddenFilter)
	fw.AddFilter(watcher.NoEditorTempFilter)
	fw.AddFilter(skip)
	fw.AddHandler(s.handleFileChanges)

	if err := fw.AddRecursive(s.config.Modules.Root); err != nil {
		fw.Stop()
		return err
	}
	if err := fw.Start(ctx); err != nil {
		fw.Stop()
		return err
	}
	s.watcher = fw
	return nil
}

// handleFileChanges rebuilds the site and tells browsers to reload. A
// failed rebuild is pushed to browsers instead.
func (s *Server) handleFileChanges(ctx context.Context, events []watcher.ChangeEvent) error {
	paths := make([]string, 0, len(events))
	for _, ev := range events {
		rel, err := filepath.Rel(s.config.Modules.Root, ev.Path)
		if err != nil {
			rel = ev.Path
		}
		paths = append(paths, filepath.ToSlash(rel))
	}
	sort.Strings(paths)
	s.logger.Info(ctx, "Sources changed", "paths", strings.Join(paths, ","))

	if err := s.sites.Reload(ctx); err != nil {
		s.hub.broadcast(Message{Type: "error", Paths: paths, Error: err.Error()})
		return err
	}
	s.hub.broadcast(Message{Type: "reload", Paths: paths})
	return nil
}

// Shutdown gracefully shuts down the server and cleans up resources
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down server")

		if s.watcher != nil {
			if err := s.watcher.Stop(); err != nil {
				s.logger.Warn(ctx, err, "Stopping file watcher")
			}
		}
		if s.hub != nil {
			s.hub.close()
		}

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()
		if server != nil {
			shutdownErr = server.Shutdown(ctx)
		}

		s.sites.Close()
	})

	return shutdownErr
}

// handlePage renders a page through the pipeline.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pipeline, release, err := s.sites.Acquire(r.Context())
	if err != nil {
		s.errs.Handle(r.Context(), err, "path", r.URL.Path)
		writeErrorPage(w, r, errors.StatusCode(err), err, s.config.Development.Debug)
		return
	}
	defer release()

	s.proxies.IssueTokens(w, r)
	req := controller.FromHTTP(r, nil, controller.HTTPJar{Request: r, Writer: w})
	pipeline.Serve(r.Context(), req, newHTTPSink(w, r, s.config.Development.Debug))
}

// handleAsset serves bundle files from the newest plan.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	plan := s.sites.Plan()
	if plan == nil {
		http.NotFound(w, r)
		return
	}
	plan.ServeHTTP(w, r)
}

// handleHealth returns the server health status for health checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bundles := 0
	if plan := s.sites.Plan(); plan != nil {
		bundles = len(plan.Bundles())
	}
	clients := 0
	if s.hub != nil {
		clients = s.hub.count()
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   version.Get().Short(),
		"checks": map[string]interface{}{
			"bundles": bundles,
			"proxies": s.proxies.Names(),
			"live":    clients,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to encode health response")
	}
}

// withRequestID gives every request an id, reusing a well-formed incoming
// X-Request-ID.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// securityHeaders sets the headers every response carries.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.status == 0 {
		s.status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.logger.Info(r.Context(), "Request",
			"method", r.Method,
			"path", logging.SanitizeForLog(r.URL.Path),
			"status", rec.status,
			"duration", time.Since(start))
	})
}
