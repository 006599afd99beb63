// Package controller defines controller layers and the request-scoped state
// their lifecycle hooks operate on.
package controller

import (
	"context"

	"github.com/conneroisu/treeline/internal/errors"
)

// Done completes a preload. Only the first call has any effect.
type Done func(err error, args ...any)

// PreloadFunc fetches the data a layer needs. It must eventually call done,
// either before returning or from another goroutine.
type PreloadFunc func(ctx context.Context, c *Context, done Done)

// LoadFunc receives the arguments passed to the layer's preload completion.
type LoadFunc func(c *Context, args ...any) error

// RenderFunc computes title, meta or body. child is the value produced by
// the layer below, or "" for the leaf layer.
type RenderFunc func(c *Context, child string) (string, error)

// HookFunc is a ready or unload hook.
type HookFunc func(c *Context)

// Class is one controller layer. Unset hooks default to no-ops; render
// hooks default to passing the child value through.
type Class struct {
	Name   string
	Parent *Class

	Preload PreloadFunc
	Load    LoadFunc
	Title   RenderFunc
	Meta    RenderFunc
	Body    RenderFunc
	Ready   HookFunc
	Unload  HookFunc

	// Bundles names extra asset bundles this layer needs on every page.
	Bundles []string
}

// Chain returns the layer list root-most parent first, ending with c.
func (c *Class) Chain() ([]*Class, error) {
	seen := make(map[*Class]struct{})
	var chain []*Class

	for current := c; current != nil; current = current.Parent {
		if _, dup := seen[current]; dup {
			return nil, errors.NewCyclicalStructureError(current.Name, "controller parent chain")
		}
		seen[current] = struct{}{}
		chain = append(chain, current)
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	return chain, nil
}

// RunPreload invokes the preload hook, completing immediately when unset.
func (c *Class) RunPreload(ctx context.Context, rc *Context, done Done) {
	if c.Preload == nil {
		done(nil)
		return
	}
	c.Preload(ctx, rc, done)
}

// RunLoad invokes the load hook.
func (c *Class) RunLoad(rc *Context, args ...any) error {
	if c.Load == nil {
		return nil
	}
	return c.Load(rc, args...)
}

// RenderTitle invokes the title hook.
func (c *Class) RenderTitle(rc *Context, child string) (string, error) {
	return render(c.Title, rc, child)
}

// RenderMeta invokes the meta hook.
func (c *Class) RenderMeta(rc *Context, child string) (string, error) {
	return render(c.Meta, rc, child)
}

// RenderBody invokes the body hook.
func (c *Class) RenderBody(rc *Context, child string) (string, error) {
	return render(c.Body, rc, child)
}

// RunReady invokes the ready hook.
func (c *Class) RunReady(rc *Context) {
	if c.Ready != nil {
		c.Ready(rc)
	}
}

// RunUnload invokes the unload hook.
func (c *Class) RunUnload(rc *Context) {
	if c.Unload != nil {
		c.Unload(rc)
	}
}

func render(fn RenderFunc, rc *Context, child string) (string, error) {
	if fn == nil {
		return child, nil
	}
	return fn(rc, child)
}

// Forbidden returns the error hooks use to refuse a request with 403.
func Forbidden(message string) error {
	return errors.NewForbiddenError(message)
}
