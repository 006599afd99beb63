//go:build property

package errors

import (
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestErrorCollectorProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(2468)
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent problem addition loses nothing", prop.ForAll(
		func(goroutineCount int, problemsPerGoroutine int) bool {
			collector := NewErrorCollector()

			var wg sync.WaitGroup
			for g := 0; g < goroutineCount; g++ {
				wg.Add(1)
				go func(id int) {
					defer wg.Done()
					for p := 0; p < problemsPerGoroutine; p++ {
						collector.AddError(fmt.Sprintf("public.M%d:", id), fmt.Errorf("problem %d", p))
					}
				}(g)
			}
			wg.Wait()

			return len(collector.Problems()) == goroutineCount*problemsPerGoroutine
		},
		gen.IntRange(1, 20),
		gen.IntRange(1, 50),
	))

	properties.Property("problems are ordered by resource", prop.ForAll(
		func(resources []string) bool {
			collector := NewErrorCollector()
			for _, r := range resources {
				collector.AddError(r, fmt.Errorf("x"))
			}
			problems := collector.Problems()
			for i := 1; i < len(problems); i++ {
				if problems[i-1].Resource > problems[i].Resource {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("innermost location survives wrapping", prop.ForAll(
		func(depth int, line int) bool {
			var err error = NewEvaluationError("r:", "/f.hcl", line, fmt.Errorf("cause"))
			for i := 0; i < depth; i++ {
				err = NewDependencyResolutionError("r:", "/outer.hcl", "dep", err)
			}
			inner := Innermost(err)
			return inner != nil && inner.FilePath == "/f.hcl" && inner.Line == line
		},
		gen.IntRange(0, 10),
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}
