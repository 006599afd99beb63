// Package render drives the controller lifecycle of a request: route,
// preload and load every layer root first, compute title, meta and body,
// then write one HTML document.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/conneroisu/treeline/internal/bundle"
	"github.com/conneroisu/treeline/internal/controller"
	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/logging"
	"github.com/conneroisu/treeline/internal/metrics"
	"github.com/conneroisu/treeline/internal/module"
	"github.com/conneroisu/treeline/internal/router"
)

// DefaultPreloadTimeout bounds each layer's preload.
const DefaultPreloadTimeout = 10 * time.Second

const tracerName = "github.com/conneroisu/treeline/internal/render"

// BundleSource answers which asset bundles a page needs.
type BundleSource interface {
	RequiredFor(m *module.Module, names ...string) []*bundle.Bundle
}

// Options configures a Pipeline.
type Options struct {
	PreloadTimeout time.Duration
	Bundles        BundleSource
	// Debug renders error details and injects the live reload client.
	Debug          bool
	LiveReloadPath string
	Lang           string
	Logger         logging.Logger
	Metrics        *metrics.Collectors
}

// Pipeline renders requests against one registry.
type Pipeline struct {
	registry *module.Registry
	router   *router.Router
	opts     Options
	logger   logging.Logger
	errs     *errors.ErrorHandler
	tracer   trace.Tracer
}

// New creates a pipeline.
func New(reg *module.Registry, rt *router.Router, opts Options) *Pipeline {
	if opts.PreloadTimeout <= 0 {
		opts.PreloadTimeout = DefaultPreloadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	logger := opts.Logger.WithComponent("render")
	return &Pipeline{
		registry: reg,
		router:   rt,
		opts:     opts,
		logger:   logger,
		errs:     errors.NewErrorHandler(logger),
		tracer:   otel.Tracer(tracerName),
	}
}

// Registry returns the registry the pipeline renders from.
func (p *Pipeline) Registry() *module.Registry { return p.registry }

// Router returns the pipeline's router.
func (p *Pipeline) Router() *router.Router { return p.router }

// Result describes how a request ended.
type Result struct {
	State     State
	RequestID string
	// Module is the routed module path, empty when routing failed.
	Module    string
	Title     string
	Redirect  *controller.Redirect
	Err       error
	Timings   map[string]time.Duration
}

// Serve runs one request to a terminal state and delivers exactly one
// terminal signal to sink. The request id is taken from ctx when present.
func (p *Pipeline) Serve(ctx context.Context, req *controller.Request, sink Sink) *Result {
	id := logging.RequestIDFromContext(ctx)
	if id == "" {
		id = uuid.NewString()
		ctx = logging.ContextWithRequestID(ctx, id)
	}

	ctx, span := p.tracer.Start(ctx, "render.serve", trace.WithAttributes(
		attribute.String("request.id", id),
		attribute.String("url.path", req.Path()),
	))
	defer span.End()

	r := &run{
		p:    p,
		ctx:  ctx,
		req:  req,
		sink: Guard(ctx, sink, p.logger),
		result: &Result{
			State:     StateRouting,
			RequestID: id,
			Timings:   make(map[string]time.Duration),
		},
	}
	r.execute()

	state := r.result.State
	span.SetAttributes(attribute.String("render.state", state.String()))
	if r.result.Err != nil {
		span.RecordError(r.result.Err)
		span.SetStatus(codes.Error, r.result.Err.Error())
	}
	p.opts.Metrics.ObserveRequest(state.String())
	p.logger.Debug(ctx, "Request rendered", "path", req.Path(), "state", state.String(), "module", r.result.Module)
	return r.result
}

// run is the state of one request.
type run struct {
	p      *Pipeline
	ctx    context.Context
	req    *controller.Request
	sink   *GuardedSink
	rc     *controller.Context
	chain  []*controller.Class
	result *Result
}

func (r *run) execute() {
	var match *router.Match
	r.stage("routing", func(context.Context) error {
		var ok bool
		match, ok = r.p.router.Route(r.req.Path())
		if ok {
			r.result.Module = match.Module.Path()
		}
		return nil
	})
	if match == nil {
		r.notFound()
		return
	}

	r.req = r.req.WithPathArguments(match.PathArguments)
	r.rc = controller.NewContext(r.result.RequestID, r.req, r.p.logger.With("request_id", r.result.RequestID))

	var class *controller.Class
	if err := r.stage("resolve", func(ctx context.Context) error {
		var err error
		class, err = r.controllerFor(ctx, match.Module)
		if err != nil {
			return err
		}
		r.chain, err = class.Chain()
		return err
	}); err != nil {
		r.fail(err)
		return
	}
	defer r.unload()

	for _, layer := range r.chain {
		r.result.State = StatePreloading
		var args []any
		if err := r.stage("preload", func(ctx context.Context) error {
			var err error
			args, err = r.preload(ctx, layer)
			return err
		}); err != nil {
			r.fail(err)
			return
		}

		if r.rc.Nav.IsNotFound() {
			r.notFound()
			return
		}
		if pending := r.rc.Nav.PendingRedirects(); len(pending) > 0 {
			r.redirect(pending[len(pending)-1])
			return
		}

		r.rc.SetArgs(layer.Name, args)
		if err := r.stage("load", func(context.Context) error {
			return guard(layer.Name, "load", func() error { return layer.RunLoad(r.rc, args...) })
		}); err != nil {
			r.fail(err)
			return
		}
	}
	r.result.State = StateLoaded

	r.result.State = StateRendering
	var page bytes.Buffer
	if err := r.stage("render", func(ctx context.Context) error {
		return r.render(ctx, match.Module, &page)
	}); err != nil {
		r.fail(err)
		return
	}

	r.result.State = StateWritingHTML
	if err := r.sink.WriteHTML(page.String()); err != nil {
		r.fail(errors.NewRenderError(match.Module.Path(), "write", err))
		return
	}
	r.sink.Finish()
	r.result.State = StateDone

	for _, layer := range r.chain {
		if err := guard(layer.Name, "ready", func() error { layer.RunReady(r.rc); return nil }); err != nil {
			r.p.logger.Warn(r.ctx, err, "Ready hook failed", "layer", layer.Name)
		}
	}
}

// stage runs fn inside a span and records its duration.
func (r *run) stage(name string, fn func(context.Context) error) error {
	ctx, span := r.p.tracer.Start(r.ctx, "render."+name)
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	r.result.Timings[name] += elapsed
	r.p.opts.Metrics.ObserveStage(name, elapsed)
	return err
}

func (r *run) controllerFor(ctx context.Context, m *module.Module) (*controller.Class, error) {
	value, err := m.Main(ctx)
	if err != nil {
		return nil, err
	}
	class, ok := value.(*controller.Class)
	if !ok {
		return nil, &errors.TreelineError{
			Type:     errors.ErrorTypeEvaluation,
			Code:     errors.ErrCodeNotController,
			Message:  fmt.Sprintf("module exports %T, not a controller", value),
			Resource: m.ResourcePath(m.MainNickname()),
		}
	}
	return class, nil
}

// preload runs one layer's preload hook under the watchdog. The hook may
// complete synchronously or from any goroutine; only its first completion
// counts.
func (r *run) preload(ctx context.Context, layer *controller.Class) ([]any, error) {
	r.rc.Nav.Reset(r.req.URL(), r.req.Header("User-Agent"), r.req.Header("Referer"))

	type completion struct {
		err  error
		args []any
	}
	done := make(chan completion, 1)
	var fired atomic.Bool
	complete := func(err error, args ...any) {
		if !fired.CompareAndSwap(false, true) {
			r.p.logger.Warn(r.ctx, err, "Preload completed more than once", "layer", layer.Name)
			return
		}
		done <- completion{err: err, args: args}
	}

	hookCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				complete(errors.FromPanic(rec))
			}
		}()
		layer.RunPreload(hookCtx, r.rc, complete)
	}()

	timer := time.NewTimer(r.p.opts.PreloadTimeout)
	defer timer.Stop()

	select {
	case c := <-done:
		if c.err != nil {
			return nil, errors.NewRenderError(layer.Name, "preload", c.err)
		}
		return c.args, nil
	case <-timer.C:
		return nil, errors.NewPreloadTimeoutError(layer.Name, r.p.opts.PreloadTimeout)
	case <-ctx.Done():
		return nil, errors.NewRenderError(layer.Name, "preload", ctx.Err())
	}
}

// render folds title, meta and body leaf first so every parent wraps its
// child, then writes the document into page.
func (r *run) render(ctx context.Context, m *module.Module, page *bytes.Buffer) error {
	title, err := r.fold("title", (*controller.Class).RenderTitle)
	if err != nil {
		return err
	}
	meta, err := r.fold("meta", (*controller.Class).RenderMeta)
	if err != nil {
		return err
	}
	if err := checkMeta(meta); err != nil {
		return errors.NewRenderError(r.leaf().Name, "meta", err)
	}
	body, err := r.fold("body", (*controller.Class).RenderBody)
	if err != nil {
		return err
	}
	r.result.Title = title

	styles, scripts := r.assets(m)
	state, err := json.Marshal(r.hydration())
	if err != nil {
		return errors.NewRenderError(r.leaf().Name, "hydration", err)
	}

	doc := Document{
		Lang:      r.p.opts.Lang,
		Title:     title,
		Meta:      meta,
		Styles:    styles,
		Scripts:   scripts,
		Body:      body,
		Hydration: state,
	}
	if r.p.opts.Debug {
		doc.LiveReload = r.p.opts.LiveReloadPath
	}
	if err := doc.Component().Render(ctx, page); err != nil {
		return errors.NewRenderError(r.leaf().Name, "document", err)
	}
	return nil
}

func (r *run) fold(stage string, hook func(*controller.Class, *controller.Context, string) (string, error)) (string, error) {
	value := ""
	for i := len(r.chain) - 1; i >= 0; i-- {
		layer := r.chain[i]
		err := guard(layer.Name, stage, func() error {
			var err error
			value, err = hook(layer, r.rc, value)
			return err
		})
		if err != nil {
			return "", err
		}
	}
	return value, nil
}

func (r *run) leaf() *controller.Class {
	return r.chain[len(r.chain)-1]
}

// assets collects stylesheet and script URLs of every required bundle,
// each URL once.
func (r *run) assets(m *module.Module) (styles, scripts []string) {
	if r.p.opts.Bundles == nil {
		return nil, nil
	}
	var names []string
	for _, layer := range r.chain {
		names = append(names, layer.Bundles...)
	}

	seen := make(map[string]struct{})
	for _, b := range r.p.opts.Bundles.RequiredFor(m, names...) {
		for _, u := range b.AllStyles() {
			if _, dup := seen[u]; !dup {
				seen[u] = struct{}{}
				styles = append(styles, u)
			}
		}
		for _, u := range b.AllScripts() {
			if _, dup := seen[u]; !dup {
				seen[u] = struct{}{}
				scripts = append(scripts, u)
			}
		}
	}
	return styles, scripts
}

type hydration struct {
	RequestID     string            `json:"requestId"`
	URL           string            `json:"url"`
	Path          string            `json:"path"`
	PathArguments map[string]string `json:"pathArguments"`
	Query         map[string]string `json:"query"`
	Args          map[string][]any  `json:"args"`
}

func (r *run) hydration() hydration {
	return hydration{
		RequestID:     r.result.RequestID,
		URL:           r.req.URL(),
		Path:          r.req.Path(),
		PathArguments: r.req.PathArguments(),
		Query:         r.req.Query(),
		Args:          r.rc.Args(),
	}
}

func (r *run) unload() {
	for i := len(r.chain) - 1; i >= 0; i-- {
		layer := r.chain[i]
		if err := guard(layer.Name, "unload", func() error { layer.RunUnload(r.rc); return nil }); err != nil {
			r.p.logger.Warn(r.ctx, err, "Unload hook failed", "layer", layer.Name)
		}
	}
}

func (r *run) notFound() {
	r.result.State = StateNotFound
	r.sink.NotFound()
}

func (r *run) redirect(to controller.Redirect) {
	r.result.State = StateRedirecting
	r.result.Redirect = &to
	r.sink.Redirect(to.URL, to.Permanent)
}

func (r *run) fail(err error) {
	r.result.State = StateError
	r.result.Err = err
	r.p.errs.Handle(r.ctx, err, "path", r.req.Path(), "module", r.result.Module)

	status := errors.StatusCode(err)
	message := http.StatusText(status)
	if r.p.opts.Debug {
		message = err.Error()
	}
	r.sink.Error(status, message, err)
}

// guard runs a hook, turning a panic or error into a RenderError for layer.
func guard(layer, stage string, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.NewRenderError(layer, stage, errors.FromPanic(rec))
		}
	}()
	if err := fn(); err != nil {
		return errors.NewRenderError(layer, stage, err)
	}
	return nil
}
