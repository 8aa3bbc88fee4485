// Package haddock implements the Haddock Interface Store (C4): tracking
// where each package's .haddock interface file lives and computing the
// transitive closure of a package's library/executable dependencies that
// haddock needs --read-interface arguments for.
package haddock

import (
	"sync"

	"github.com/hsbuild/curator/internal/plan"
	"golang.org/x/sync/singleflight"
)

// Store records haddock interface file locations and memoises closure
// computations over the build plan's dependency graph.
type Store struct {
	plan *plan.BuildPlan

	mu    sync.Mutex
	files map[string]string // packageID ("name-version") -> interface file path

	closureMu sync.Mutex
	closure   map[string][]string // packageName -> memoised closure, stored only once complete

	group singleflight.Group
}

// New returns an empty Store over p.
func New(p *plan.BuildPlan) *Store {
	return &Store{
		plan:    p,
		files:   map[string]string{},
		closure: map[string][]string{},
	}
}

// RecordInterface registers packageID's haddock interface file path.
func (s *Store) RecordInterface(packageID, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[packageID] = path
}

// Interfaces returns a snapshot of packageID -> interface-file-path for
// every package base name in names, used to build the --read-interface
// argument list for a haddock invocation.
func (s *Store) Interfaces(names map[string]bool) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]string{}
	for id, path := range s.files {
		if names[baseName(id)] {
			out[id] = path
		}
	}
	return out
}

// baseName strips everything from the last dash onwards, turning a
// "name-version" packageID into its bare package name, since haddockFiles
// is keyed by "name-version" but closures are computed over bare package
// names.
func baseName(packageID string) string {
	for i := len(packageID) - 1; i >= 0; i-- {
		if packageID[i] == '-' {
			return packageID[:i]
		}
	}
	return packageID
}

// Closure returns the transitive set of library-or-executable
// dependencies of name, computed via a memoised depth-first search over
// the plan's dependency graph (§4.4). The computation is idempotent and
// safe for concurrent callers: singleflight collapses concurrent
// first-time computations for the same requested name onto one call, and
// the result is cached once that call completes, so a second Closure call
// for the same name never re-walks the graph.
//
// The walk itself tracks the current path (not a flat "ever visited"
// set): a dependency edge back to an ancestor still on the path closes a
// cycle rather than looping forever, and — since every node on that path
// can in turn reach back to the ancestor — the ancestor itself is folded
// into the closure at the point the edge is found. This keeps a mutual
// cycle (A depends on B, B depends on A) and a self-cycle (A depends on
// A) both correct: each node's closure includes every node reachable from
// it, including itself when a path loops back around.
func (s *Store) Closure(name string) map[string]bool {
	result, _, _ := s.group.Do(name, func() (interface{}, error) {
		s.closureMu.Lock()
		cached, ok := s.closure[name]
		s.closureMu.Unlock()
		if ok {
			return cached, nil
		}

		all := s.walk(name, map[string]bool{})

		s.closureMu.Lock()
		s.closure[name] = all
		s.closureMu.Unlock()
		return all, nil
	})
	set := map[string]bool{}
	for _, n := range result.([]string) {
		set[n] = true
	}
	return set
}

// walk performs the actual DFS for one top-level Closure call. onPath is
// the set of names currently on the call stack from this walk's root down
// to name; it is added to on entry and removed on return (via defer), so
// the same node may be legitimately revisited down a different branch.
func (s *Store) walk(name string, onPath map[string]bool) []string {
	onPath[name] = true
	defer delete(onPath, name)

	pp, ok := s.plan.Packages[name]
	if !ok {
		return nil
	}

	seen := map[string]bool{}
	var all []string
	add := func(n string) {
		if !seen[n] {
			seen[n] = true
			all = append(all, n)
		}
	}

	for dep, comps := range pp.Description.Dependencies {
		if !hasLibOrExe(comps) {
			continue
		}
		if onPath[dep] {
			// dep is an ancestor still being computed: the cycle closes
			// through it, so dep is reachable from name and belongs in
			// name's closure even though recursing into it again would
			// loop forever.
			add(dep)
			continue
		}
		if seen[dep] {
			continue
		}
		add(dep)
		for _, transitive := range s.walk(dep, onPath) {
			add(transitive)
		}
	}

	return all
}

func hasLibOrExe(comps []plan.Component) bool {
	for _, c := range comps {
		if c == plan.Library || c == plan.Executable {
			return true
		}
	}
	return false
}

// ReadInterfaceDeps returns the packageID->path map Closure(name) should be
// turned into for a haddock invocation on name: every recorded interface
// whose base package lies in the closure.
func (s *Store) ReadInterfaceDeps(name string) map[string]string {
	closureSet := s.Closure(name)
	return s.Interfaces(closureSet)
}
