package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/conneroisu/treeline/internal/bundle"
	"github.com/conneroisu/treeline/internal/config"
	"github.com/conneroisu/treeline/internal/errors"
	"github.com/conneroisu/treeline/internal/evaluator"
	"github.com/conneroisu/treeline/internal/logging"
	"github.com/conneroisu/treeline/internal/metrics"
	"github.com/conneroisu/treeline/internal/module"
	"github.com/conneroisu/treeline/internal/pool"
	"github.com/conneroisu/treeline/internal/render"
	"github.com/conneroisu/treeline/internal/router"
)

// sites hands out pipelines for requests.
type sites interface {
	// Acquire returns a pipeline and the function that gives it back.
	Acquire(ctx context.Context) (*render.Pipeline, func(), error)
	// Plan returns the bundle plan of the newest build.
	Plan() *bundle.Plan
	// Reload rebuilds after source changes.
	Reload(ctx context.Context) error
	Close()
}

// siteBuilder builds registries, routers and pipelines from one config.
type siteBuilder struct {
	cfg     *config.Config
	eval    *evaluator.Evaluator
	logger  logging.Logger
	metrics *metrics.Collectors
	live    string
}

func (b *siteBuilder) registry(ctx context.Context) (*module.Registry, error) {
	return module.Build(ctx, b.cfg.Modules.Root, module.Options{
		Evaluator: b.eval,
		Logger:    b.logger,
		Metrics:   b.metrics,
		Skip:      b.cfg.Modules.Skip,
	})
}

func (b *siteBuilder) plan(ctx context.Context, reg *module.Registry) (*bundle.Plan, error) {
	return bundle.Build(ctx, reg, b.cfg.Bundles, b.cfg.Render.AssetPrefix)
}

func (b *siteBuilder) pipeline(reg *module.Registry, plan *bundle.Plan) (*render.Pipeline, error) {
	rt, err := router.New(reg, b.cfg.Routing.Public, b.cfg.Routing.URLArguments)
	if err != nil {
		return nil, err
	}
	return render.New(reg, rt, render.Options{
		PreloadTimeout: b.cfg.Render.PreloadTimeout,
		Bundles:        plan,
		Debug:          b.cfg.Development.Debug,
		LiveReloadPath: b.live,
		Lang:           b.cfg.Render.Lang,
		Logger:         b.logger,
		Metrics:        b.metrics,
	}), nil
}

// full builds a registry with its own plan.
func (b *siteBuilder) full(ctx context.Context) (*render.Pipeline, *bundle.Plan, error) {
	reg, err := b.registry(ctx)
	if err != nil {
		return nil, nil, err
	}
	plan, err := b.plan(ctx, reg)
	if err != nil {
		return nil, nil, err
	}
	p, err := b.pipeline(reg, plan)
	if err != nil {
		return nil, nil, err
	}
	return p, plan, nil
}

// devSites rebuilds the whole site for every request so that edits show up
// without a restart.
type devSites struct {
	builder *siteBuilder
	plan    atomic.Pointer[bundle.Plan]
}

func newDevSites(ctx context.Context, b *siteBuilder) (*devSites, error) {
	d := &devSites{builder: b}
	if err := d.Reload(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *devSites) Acquire(ctx context.Context) (*render.Pipeline, func(), error) {
	p, plan, err := d.builder.full(ctx)
	if err != nil {
		return nil, nil, err
	}
	d.plan.Store(plan)
	return p, func() {}, nil
}

func (d *devSites) Plan() *bundle.Plan { return d.plan.Load() }

func (d *devSites) Reload(ctx context.Context) error {
	_, plan, err := d.builder.full(ctx)
	if err != nil {
		return err
	}
	d.plan.Store(plan)
	return nil
}

func (d *devSites) Close() {}

// pooledSites keeps modules.pool_size independent registries. A registry is
// lent to one request at a time; all of them share one bundle plan.
type pooledSites struct {
	builder *siteBuilder
	size    int

	mu      sync.RWMutex
	current *pool.Pool[*render.Pipeline]
	plan    *bundle.Plan
}

func newPooledSites(ctx context.Context, b *siteBuilder, size int) (*pooledSites, error) {
	s := &pooledSites{builder: b, size: size}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *pooledSites) Acquire(ctx context.Context) (*render.Pipeline, func(), error) {
	for {
		s.mu.RLock()
		current := s.current
		s.mu.RUnlock()

		p, err := current.Acquire(ctx)
		if errors.HasCode(err, errors.ErrCodePoolClosed) {
			// Swapped by a reload while waiting; try the new pool.
			s.mu.RLock()
			swapped := s.current != current
			s.mu.RUnlock()
			if swapped {
				continue
			}
		}
		if err != nil {
			return nil, nil, err
		}
		return p, func() { current.Release(p) }, nil
	}
}

func (s *pooledSites) Plan() *bundle.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan
}

// Reload builds a complete new pool before retiring the old one, so a
// failed rebuild leaves the running site untouched.
func (s *pooledSites) Reload(ctx context.Context) error {
	reg, err := s.builder.registry(ctx)
	if err != nil {
		return err
	}
	plan, err := s.builder.plan(ctx, reg)
	if err != nil {
		return err
	}

	first, err := s.builder.pipeline(reg, plan)
	if err != nil {
		return err
	}
	var handedFirst atomic.Bool
	next, err := pool.New[*render.Pipeline](ctx, s.size, func(ctx context.Context) (*render.Pipeline, error) {
		if handedFirst.CompareAndSwap(false, true) {
			return first, nil
		}
		reg, err := s.builder.registry(ctx)
		if err != nil {
			return nil, err
		}
		return s.builder.pipeline(reg, plan)
	}, s.builder.metrics)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.current
	s.current, s.plan = next, plan
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (s *pooledSites) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current != nil {
		s.current.Close()
	}
}
