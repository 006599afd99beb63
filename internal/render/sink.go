package render

import (
	"context"
	"fmt"
	"sync"

	"github.com/conneroisu/treeline/internal/logging"
)

// Sink receives the outcome of one request. Exactly one of Finish, Redirect,
// NotFound or Error ends the response; WriteHTML may precede Finish.
type Sink interface {
	WriteHTML(chunk string) error
	Finish()
	Redirect(url string, permanent bool)
	NotFound()
	Error(status int, message string, cause error)
}

// GuardedSink forwards only the first terminal signal to its target. Later
// signals, and HTML written after the response ended, are dropped with a
// warning.
type GuardedSink struct {
	target Sink
	logger logging.Logger
	ctx    context.Context

	mu    sync.Mutex
	ended string
}

// Guard wraps target.
func Guard(ctx context.Context, target Sink, logger logging.Logger) *GuardedSink {
	if logger == nil {
		logger = logging.Discard()
	}
	return &GuardedSink{target: target, logger: logger, ctx: ctx}
}

// Ended reports whether a terminal signal has been delivered.
func (g *GuardedSink) Ended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ended != ""
}

// end claims the terminal signal. It returns false if another signal got
// there first.
func (g *GuardedSink) end(signal string) bool {
	g.mu.Lock()
	first := g.ended
	if first == "" {
		g.ended = signal
	}
	g.mu.Unlock()

	if first != "" {
		g.logger.Warn(g.ctx, fmt.Errorf("response already ended by %s", first),
			"Ignoring extra response signal", "signal", signal)
		return false
	}
	return true
}

func (g *GuardedSink) WriteHTML(chunk string) error {
	if g.Ended() {
		g.logger.Warn(g.ctx, nil, "Ignoring HTML written after the response ended")
		return nil
	}
	return g.target.WriteHTML(chunk)
}

func (g *GuardedSink) Finish() {
	if g.end("finish") {
		g.target.Finish()
	}
}

func (g *GuardedSink) Redirect(url string, permanent bool) {
	if g.end("redirect") {
		g.target.Redirect(url, permanent)
	}
}

func (g *GuardedSink) NotFound() {
	if g.end("not_found") {
		g.target.NotFound()
	}
}

func (g *GuardedSink) Error(status int, message string, cause error) {
	if g.end("error") {
		g.target.Error(status, message, cause)
	}
}

// Recorder is a Sink that keeps everything it receives.
type Recorder struct {
	mu sync.Mutex

	HTML      string
	Finished  bool
	Redirects []string
	Permanent bool
	NotFounds int
	Status    int
	Message   string
	Cause     error
	Signals   int
}

func (r *Recorder) WriteHTML(chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.HTML += chunk
	return nil
}

func (r *Recorder) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Finished = true
	r.Signals++
}

func (r *Recorder) Redirect(url string, permanent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Redirects = append(r.Redirects, url)
	r.Permanent = permanent
	r.Signals++
}

func (r *Recorder) NotFound() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.NotFounds++
	r.Signals++
}

func (r *Recorder) Error(status int, message string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status, r.Message, r.Cause = status, message, cause
	r.Signals++
}
