// Package plan holds the resolved build plan: the frozen, immutable
// description of every package this run will build, handed to us by the
// out-of-scope version solver.
package plan

// Component is one of the buildable pieces of a package.
type Component int

// The component kinds a package's .cabal description can declare.
const (
	Library Component = iota
	Executable
	TestSuite
	Benchmark
)

func (c Component) String() string {
	switch c {
	case Library:
		return "library"
	case Executable:
		return "executable"
	case TestSuite:
		return "test-suite"
	case Benchmark:
		return "benchmark"
	default:
		return "unknown"
	}
}

// TestState controls whether a stage (haddock, tests or benches) is run at
// all, and whether its outcome is allowed to fail the build.
type TestState int

const (
	// DontBuild skips the stage entirely.
	DontBuild TestState = iota
	// ExpectSuccess escalates a stage failure into a hard build error.
	ExpectSuccess
	// ExpectFailure produces a warning if the stage unexpectedly succeeds.
	ExpectFailure
)

// PackageConstraints are the per-package overrides a plan may specify.
type PackageConstraints struct {
	FlagOverrides       map[string]bool `yaml:"flagOverrides"`
	ConfigureArgs       []string        `yaml:"configureArgs"`
	SkipBuild           bool            `yaml:"skipBuild"`
	Haddocks            TestState       `yaml:"haddocks"`
	Tests               TestState       `yaml:"tests"`
	Benches             TestState       `yaml:"benches"`
	EnableLibProfile    bool            `yaml:"enableLibProfile"`
}

// PackageDescription enumerates the shape of a package: its modules, its
// components, and for each dependency the set of components that consume
// it (a tool or library dependency of the test-suite only, say, must not
// gate the library build).
type PackageDescription struct {
	Modules    []string                     `yaml:"modules"`
	Components []Component                  `yaml:"components"`
	// Dependencies maps a dependency package name to the set of this
	// package's components that require it.
	Dependencies map[string][]Component `yaml:"dependencies"`
	// ToolDependencies maps a declared build-tool name (e.g. "alex") to
	// the set of components that invoke it.
	ToolDependencies map[string][]Component `yaml:"toolDependencies"`
	// ProvidedTools lists the executable names this package's
	// Executable component installs, making it a candidate provider for
	// another package's ToolDependencies entry of the same name.
	ProvidedTools []string `yaml:"providedTools"`
	// BuildType is the .cabal file's declared build-type, e.g. "Simple"
	// or "Custom". A "Simple" package gets a synthesised Setup.hs.
	BuildType string `yaml:"buildType"`
	// TestSuiteNames lists the name of each declared TestSuite
	// component, used to locate its built binary under dist/build/<t>/<t>.
	TestSuiteNames []string `yaml:"testSuiteNames"`
}

// HasComponent reports whether the description declares the given
// component.
func (d PackageDescription) HasComponent(c Component) bool {
	for _, have := range d.Components {
		if have == c {
			return true
		}
	}
	return false
}

// consumers returns the consuming-components set of dependency name, and
// whether it is declared as a dependency at all.
func (d PackageDescription) consumers(name string) ([]Component, bool) {
	cs, ok := d.Dependencies[name]
	return cs, ok
}

// PackagePlan is one package's pinned plan: version, description and
// constraints.
type PackagePlan struct {
	Version      string              `yaml:"version"`
	Description  PackageDescription  `yaml:"description"`
	Constraints  PackageConstraints  `yaml:"constraints"`
	SourceURL    string              `yaml:"sourceUrl"`
}

// ID is the canonical "name-version" identifier used for ledger entries,
// haddock files and container/workdir naming.
func (pp PackagePlan) ID(name string) string {
	return name + "-" + pp.Version
}

// BuildPlan is the frozen, immutable input to a single build run.
type BuildPlan struct {
	Packages map[string]PackagePlan `yaml:"packages"`

	// CorePackages are installed by the compiler and are never built.
	CorePackages map[string]bool `yaml:"corePackages"`
	// CoreExecutables are tool names provided by the compiler toolchain.
	CoreExecutables map[string]bool `yaml:"coreExecutables"`
	// ToolOverrides maps a declared tool name to the package name that
	// should be treated as its sole provider, overriding whatever
	// Packages' own descriptions would otherwise imply.
	ToolOverrides map[string]string `yaml:"toolOverrides"`
}

// IsCore reports whether name is a compiler-provided core package.
func (p *BuildPlan) IsCore(name string) bool {
	return p.CorePackages[name]
}

// IsCoreExecutable reports whether name is a compiler-provided tool.
func (p *BuildPlan) IsCoreExecutable(name string) bool {
	return p.CoreExecutables[name]
}

// Dependencies returns the names of pkg's dependencies (library or
// executable components only are relevant to most callers; callers that
// care about a narrower component set should filter with
// ConsumingComponents).
func (p *BuildPlan) Dependencies(name string) []string {
	pp, ok := p.Packages[name]
	if !ok {
		return nil
	}
	deps := make([]string, 0, len(pp.Description.Dependencies))
	for dep := range pp.Description.Dependencies {
		deps = append(deps, dep)
	}
	return deps
}

// ConsumingComponents returns the set of components of pkg that consume
// dependency dep, and whether dep is declared as a dependency of pkg at
// all.
func (p *BuildPlan) ConsumingComponents(pkg, dep string) ([]Component, bool) {
	pp, ok := p.Packages[pkg]
	if !ok {
		return nil, false
	}
	return pp.Description.consumers(dep)
}

// ToolProviders returns the set of package names in the plan that declare
// themselves as providing the named build tool, honouring ToolOverrides.
func (p *BuildPlan) ToolProviders(tool string) []string {
	if provider, ok := p.ToolOverrides[tool]; ok {
		return []string{provider}
	}
	var providers []string
	for name, pp := range p.Packages {
		for _, provided := range pp.Description.ProvidedTools {
			if provided == tool {
				providers = append(providers, name)
				break
			}
		}
	}
	return providers
}

// Contains reports whether name is part of the plan.
func (p *BuildPlan) Contains(name string) bool {
	_, ok := p.Packages[name]
	return ok
}
