// Package depgate implements the Dependency Gate (C5): blocking a
// package's stages until its required dependencies have reached the
// required stage, and the PackageInfo cells whose libReady latches it
// waits on.
package depgate

import (
	"context"
	"fmt"

	"github.com/hsbuild/curator/internal/plan"
	"golang.org/x/sync/errgroup"
)

// PackageInfo is the per-package mutable cell described in §3: the plan
// entry, the package's name, and its libReady latch.
type PackageInfo struct {
	Plan  plan.PackagePlan
	Name  string
	Latch *Latch
}

// DependencyMissing is raised when a required dependency is not a core
// package and does not appear in the plan at all.
type DependencyMissing struct{ Name string }

func (e *DependencyMissing) Error() string {
	return fmt.Sprintf("dependency %s is not a core package and is not in the build plan", e.Name)
}

// DependencyFailed is raised when a required dependency's libReady latch
// resolved to false.
type DependencyFailed struct{ Name string }

func (e *DependencyFailed) Error() string {
	return fmt.Sprintf("dependency %s failed to build", e.Name)
}

// ToolMissing is raised, only when StrictTools is enabled, when a
// declared build tool has no known provider and is not a core executable.
type ToolMissing struct{ Tool string }

func (e *ToolMissing) Error() string {
	return fmt.Sprintf("build tool %q has no known provider", e.Tool)
}

// Gate resolves and waits on a package's dependencies before it is
// allowed to proceed to a given set of stages.
type Gate struct {
	plan        *plan.BuildPlan
	infos       map[string]*PackageInfo
	strictTools bool
	cabalName   string
}

// New returns a Gate over infos, with tool-missing handling controlled by
// strictTools (§9's open question).
func New(p *plan.BuildPlan, infos map[string]*PackageInfo, strictTools bool) *Gate {
	return &Gate{plan: p, infos: infos, strictTools: strictTools}
}

// NewWithCabal is New, additionally treating cabalName as an implicit
// library dependency of every other package in the plan, per §4.5 ("The
// Cabal library is treated as an implicit dependency of every non-Cabal
// package").
func NewWithCabal(p *plan.BuildPlan, infos map[string]*PackageInfo, strictTools bool, cabalName string) *Gate {
	return &Gate{plan: p, infos: infos, strictTools: strictTools, cabalName: cabalName}
}

func intersects(have []plan.Component, want []plan.Component) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

// Wait blocks pkg until every dependency (library/tool) consumed by any
// component in required has reached libReady, or returns an error. The
// Cabal library package is treated as an implicit dependency of every
// non-Cabal package per §4.5; callers that model Cabal specially should
// exclude it from required rather than rely on this function to special-
// case it beyond that implicit edge.
//
// All dependency checks run concurrently and the whole wait is evaluated
// against one snapshot: if any dependency has already failed, Wait returns
// promptly rather than blocking on the others that are still pending,
// because the errgroup's context is cancelled the instant the first
// goroutine returns an error.
func (g *Gate) Wait(ctx context.Context, pkg string, required []plan.Component) error {
	pp, ok := g.plan.Packages[pkg]
	if !ok {
		return fmt.Errorf("depgate: package %s is not in the build plan", pkg)
	}

	eg, ctx := errgroup.WithContext(ctx)

	if g.cabalName != "" && pkg != g.cabalName && !g.plan.IsCore(g.cabalName) {
		if info, known := g.infos[g.cabalName]; known {
			eg.Go(func() error { return g.awaitLatch(ctx, g.cabalName, info) })
		}
	}

	for dep, comps := range pp.Description.Dependencies {
		if !intersects(comps, required) {
			continue
		}
		dep := dep
		if g.plan.IsCore(dep) {
			continue
		}
		info, known := g.infos[dep]
		if !known {
			return &DependencyMissing{Name: dep}
		}
		eg.Go(func() error { return g.awaitLatch(ctx, dep, info) })
	}

	for tool, comps := range pp.Description.ToolDependencies {
		if !intersects(comps, required) {
			continue
		}
		tool := tool
		providers := g.plan.ToolProviders(tool)
		if len(providers) == 0 {
			if g.plan.IsCoreExecutable(tool) || !g.strictTools {
				continue
			}
			return &ToolMissing{Tool: tool}
		}
		for _, provider := range providers {
			provider := provider
			if g.plan.IsCore(provider) {
				continue
			}
			info, known := g.infos[provider]
			if !known {
				continue // provider is derived from the plan itself; absence means it's core.
			}
			eg.Go(func() error { return g.awaitLatch(ctx, provider, info) })
		}
	}

	return eg.Wait()
}

func (g *Gate) awaitLatch(ctx context.Context, name string, info *PackageInfo) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-info.Latch.Done():
		if !info.Latch.Value() {
			return &DependencyFailed{Name: name}
		}
		return nil
	}
}
