package haddock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hsbuild/curator/internal/plan"
)

func timeoutChan() <-chan time.Time {
	return time.After(time.Second)
}

func mkPlan() *plan.BuildPlan {
	return &plan.BuildPlan{
		Packages: map[string]plan.PackagePlan{
			"aeson": {
				Version: "2.1.0",
				Description: plan.PackageDescription{
					Dependencies: map[string][]plan.Component{
						"base":  {plan.Library},
						"text":  {plan.Library},
						"hspec": {plan.TestSuite}, // must not appear in the haddock closure
					},
				},
			},
			"text": {
				Version: "2.0",
				Description: plan.PackageDescription{
					Dependencies: map[string][]plan.Component{
						"base": {plan.Library},
					},
				},
			},
			"base":  {Version: "4.18"},
			"hspec": {Version: "2.10"},
			"self-referential": {
				Version: "1.0",
				Description: plan.PackageDescription{
					Dependencies: map[string][]plan.Component{
						"self-referential": {plan.Library},
						"base":             {plan.Library},
					},
				},
			},
		},
	}
}

// mkCyclicPlan returns a two-package mutual cycle with no self-edges:
// mutual-a depends on mutual-b and mutual-b depends on mutual-a.
func mkCyclicPlan() *plan.BuildPlan {
	return &plan.BuildPlan{
		Packages: map[string]plan.PackagePlan{
			"mutual-a": {
				Version: "1.0",
				Description: plan.PackageDescription{
					Dependencies: map[string][]plan.Component{
						"mutual-b": {plan.Library},
					},
				},
			},
			"mutual-b": {
				Version: "1.0",
				Description: plan.PackageDescription{
					Dependencies: map[string][]plan.Component{
						"mutual-a": {plan.Library},
					},
				},
			},
		},
	}
}

func TestClosureTerminatesOnMutualCycle(t *testing.T) {
	assert := assert.New(t)
	s := New(mkCyclicPlan())

	a := s.Closure("mutual-a")
	assert.True(a["mutual-a"] && a["mutual-b"], "Closure(mutual-a) = %v, want both present", a)

	// An independent Closure call for the other member of the cycle must
	// also see the full, correct set — not whatever partial result the
	// first call happened to cache for it mid-recursion.
	b := s.Closure("mutual-b")
	assert.True(b["mutual-a"] && b["mutual-b"], "Closure(mutual-b) = %v, want both present", b)
}

func TestClosureExcludesTestSuiteOnlyDeps(t *testing.T) {
	assert := assert.New(t)
	s := New(mkPlan())
	c := s.Closure("aeson")
	assert.True(c["base"] && c["text"], "Closure(aeson) = %v, want base and text present", c)
	assert.False(c["hspec"], "Closure(aeson) = %v, want hspec absent (test-suite only dep)", c)
}

func TestClosureTerminatesOnSelfCycle(t *testing.T) {
	s := New(mkPlan())
	done := make(chan map[string]bool, 1)
	go func() { done <- s.Closure("self-referential") }()

	select {
	case c := <-done:
		assert.True(t, c["base"], "Closure(self-referential) = %v, want base present", c)
	case <-timeoutChan():
		t.Fatal("Closure did not terminate on a self-referential dependency")
	}
}

func TestClosureIsMemoisedAcrossConcurrentCallers(t *testing.T) {
	s := New(mkPlan())
	var wg sync.WaitGroup
	results := make([]map[string]bool, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.Closure("aeson")
		}()
	}
	wg.Wait()
	for _, r := range results {
		assert.True(t, r["base"] && r["text"], "concurrent Closure(aeson) = %v, want base and text", r)
	}
}

func TestReadInterfaceDeps(t *testing.T) {
	assert := assert.New(t)
	s := New(mkPlan())
	s.RecordInterface("base-4.18", "/install/doc/base/base.haddock")
	s.RecordInterface("text-2.0", "/install/doc/text/text.haddock")
	s.RecordInterface("hspec-2.10", "/install/doc/hspec/hspec.haddock")

	deps := s.ReadInterfaceDeps("aeson")
	assert.Len(deps, 2, "ReadInterfaceDeps(aeson) = %v, want exactly base and text", deps)
	assert.NotEmpty(deps["base-4.18"])
	assert.NotEmpty(deps["text-2.0"])
	assert.NotContains(deps, "hspec-2.10")
}
