package render

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuardedSinkFirstSignalWins(t *testing.T) {
	rec := &Recorder{}
	g := Guard(context.Background(), rec, nil)

	assert.NoError(t, g.WriteHTML("<p>"))
	g.Finish()
	g.Redirect("/elsewhere", false)
	g.NotFound()
	g.Error(500, "late", errors.New("late"))
	assert.NoError(t, g.WriteHTML("ignored"))

	assert.True(t, g.Ended())
	assert.True(t, rec.Finished)
	assert.Equal(t, "<p>", rec.HTML)
	assert.Empty(t, rec.Redirects)
	assert.Zero(t, rec.NotFounds)
	assert.Zero(t, rec.Status)
	assert.Equal(t, 1, rec.Signals)
}

func TestGuardedSinkConcurrentSignals(t *testing.T) {
	rec := &Recorder{}
	g := Guard(context.Background(), rec, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				g.NotFound()
			} else {
				g.Redirect("/x", true)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, rec.Signals)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateDone, StateRedirecting, StateNotFound, StateError} {
		assert.True(t, s.Terminal(), s.String())
	}
	for _, s := range []State{StateRouting, StatePreloading, StateLoaded, StateRendering, StateWritingHTML} {
		assert.False(t, s.Terminal(), s.String())
	}
	assert.Equal(t, "writing_html", StateWritingHTML.String())
}
