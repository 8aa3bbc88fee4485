package depgate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsbuild/curator/internal/plan"
)

func mkPlan() *plan.BuildPlan {
	return &plan.BuildPlan{
		Packages: map[string]plan.PackagePlan{
			"a": {Version: "1.0"},
			"b": {
				Version: "1.0",
				Description: plan.PackageDescription{
					Dependencies: map[string][]plan.Component{
						"a": {plan.Library},
					},
				},
			},
			"c": {
				Version: "1.0",
				Description: plan.PackageDescription{
					Dependencies: map[string][]plan.Component{
						"a": {plan.TestSuite},
					},
				},
			},
		},
		CorePackages:    map[string]bool{},
		CoreExecutables: map[string]bool{},
		ToolOverrides:   map[string]string{},
	}
}

func TestWaitSucceedsWhenDepReady(t *testing.T) {
	p := mkPlan()
	infos := map[string]*PackageInfo{
		"a": {Name: "a", Plan: p.Packages["a"], Latch: NewLatch()},
	}
	infos["a"].Latch.Set(true)

	g := New(p, infos, false)
	assert.NoError(t, g.Wait(context.Background(), "b", []plan.Component{plan.Library}))
}

func TestWaitFailsWhenDepFailed(t *testing.T) {
	p := mkPlan()
	infos := map[string]*PackageInfo{
		"a": {Name: "a", Plan: p.Packages["a"], Latch: NewLatch()},
	}
	infos["a"].Latch.Set(false)

	g := New(p, infos, false)
	err := g.Wait(context.Background(), "b", []plan.Component{plan.Library})
	var depFailed *DependencyFailed
	require.ErrorAs(t, err, &depFailed)
}

func TestWaitIgnoresUnrelatedComponent(t *testing.T) {
	p := mkPlan()
	infos := map[string]*PackageInfo{
		"a": {Name: "a", Plan: p.Packages["a"], Latch: NewLatch()},
	}
	// "a" is never resolved (latch stays unwritten); "c" only depends on
	// "a" via its test-suite, so a library-only wait must not block.
	g := New(p, infos, false)
	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background(), "c", []plan.Component{plan.Library}) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait blocked on a dependency outside the required component set")
	}
}

func TestWaitMissingDependency(t *testing.T) {
	p := mkPlan()
	g := New(p, map[string]*PackageInfo{}, false)
	err := g.Wait(context.Background(), "b", []plan.Component{plan.Library})
	var missing *DependencyMissing
	require.ErrorAs(t, err, &missing)
}

func TestWaitFailsFastOnOneFailedDep(t *testing.T) {
	p := &plan.BuildPlan{
		Packages: map[string]plan.PackagePlan{
			"fast-fail": {},
			"never":     {},
			"consumer": {
				Description: plan.PackageDescription{
					Dependencies: map[string][]plan.Component{
						"fast-fail": {plan.Library},
						"never":     {plan.Library},
					},
				},
			},
		},
		CorePackages:    map[string]bool{},
		CoreExecutables: map[string]bool{},
		ToolOverrides:   map[string]string{},
	}
	infos := map[string]*PackageInfo{
		"fast-fail": {Name: "fast-fail", Latch: NewLatch()},
		"never":     {Name: "never", Latch: NewLatch()}, // left unwritten
	}
	infos["fast-fail"].Latch.Set(false)

	g := New(p, infos, false)
	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background(), "consumer", []plan.Component{plan.Library}) }()

	select {
	case err := <-done:
		var depFailed *DependencyFailed
		require.ErrorAs(t, err, &depFailed)
	case <-time.After(time.Second):
		t.Fatal("Wait did not fail fast on the already-failed dependency")
	}
}

func TestToolMissingStrict(t *testing.T) {
	p := &plan.BuildPlan{
		Packages: map[string]plan.PackagePlan{
			"consumer": {
				Description: plan.PackageDescription{
					ToolDependencies: map[string][]plan.Component{
						"alex": {plan.Library},
					},
				},
			},
		},
		CorePackages:    map[string]bool{},
		CoreExecutables: map[string]bool{},
		ToolOverrides:   map[string]string{},
	}

	strict := New(p, map[string]*PackageInfo{}, true)
	err := strict.Wait(context.Background(), "consumer", []plan.Component{plan.Library})
	var toolMissing *ToolMissing
	require.ErrorAs(t, err, &toolMissing)

	lenient := New(p, map[string]*PackageInfo{}, false)
	assert.NoError(t, lenient.Wait(context.Background(), "consumer", []plan.Component{plan.Library}))
}

// TestToolDependencyProviderThatIsAlsoCoreDoesNotDeadlock exercises a tool
// provider that appears in Packages (and so gets a PackageInfo entry whose
// latch is never set by the spawn loop, which skips core packages) while
// also being marked core. Wait must recognise the provider as core via the
// same IsCore check the library/executable dependency path applies, rather
// than awaiting a latch nothing will ever write.
func TestToolDependencyProviderThatIsAlsoCoreDoesNotDeadlock(t *testing.T) {
	p := &plan.BuildPlan{
		Packages: map[string]plan.PackagePlan{
			"happy": {
				Description: plan.PackageDescription{
					ProvidedTools: []string{"happy"},
				},
			},
			"consumer": {
				Description: plan.PackageDescription{
					ToolDependencies: map[string][]plan.Component{
						"happy": {plan.Library},
					},
				},
			},
		},
		CorePackages:    map[string]bool{"happy": true},
		CoreExecutables: map[string]bool{},
		ToolOverrides:   map[string]string{},
	}
	// "happy" has an info entry (as driver.go would build from every plan
	// package) but its latch is never written, mirroring a core package
	// the spawn loop skips.
	infos := map[string]*PackageInfo{
		"happy": {Name: "happy", Latch: NewLatch()},
	}

	g := New(p, infos, false)
	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background(), "consumer", []plan.Component{plan.Library}) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait deadlocked awaiting a core package's tool-provider latch")
	}
}

func TestNewWithCabalImplicitDependency(t *testing.T) {
	p := &plan.BuildPlan{
		Packages: map[string]plan.PackagePlan{
			"Cabal":  {},
			"widget": {},
		},
		CorePackages:    map[string]bool{},
		CoreExecutables: map[string]bool{},
		ToolOverrides:   map[string]string{},
	}
	infos := map[string]*PackageInfo{
		"Cabal":  {Name: "Cabal", Latch: NewLatch()},
		"widget": {Name: "widget", Latch: NewLatch()},
	}
	infos["Cabal"].Latch.Set(false)

	g := NewWithCabal(p, infos, false, "Cabal")
	err := g.Wait(context.Background(), "widget", []plan.Component{plan.Library})
	var depFailed *DependencyFailed
	if require.ErrorAs(t, err, &depFailed) {
		assert.Equal(t, "Cabal", depFailed.Name)
	}
}

func TestNewWithCabalSkipsCabalItself(t *testing.T) {
	p := &plan.BuildPlan{
		Packages: map[string]plan.PackagePlan{
			"Cabal": {},
		},
		CorePackages:    map[string]bool{},
		CoreExecutables: map[string]bool{},
		ToolOverrides:   map[string]string{},
	}
	infos := map[string]*PackageInfo{
		"Cabal": {Name: "Cabal", Latch: NewLatch()},
	}
	// Cabal's own latch is left unwritten; if Wait("Cabal", ...) tried to
	// await Cabal as its own implicit dependency it would deadlock.
	g := NewWithCabal(p, infos, false, "Cabal")
	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background(), "Cabal", []plan.Component{plan.Library}) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait(\"Cabal\", ...) blocked on Cabal's own latch")
	}
}

func TestLatchDoubleWritePanics(t *testing.T) {
	defer func() {
		assert.NotNil(t, recover(), "expected panic on double write")
	}()
	l := NewLatch()
	l.Set(true)
	l.Set(false)
}
