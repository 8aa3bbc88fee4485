// Package app is the thin orchestration layer between the CLI and the
// core build driver, mirroring the role the teacher's app.Fissile struct
// plays for cmd/root.go: it owns the *termui.UI and the run-wide Options,
// and turns a loaded BuildPlan into a driver.Run call plus rendered
// doc-index and report outputs.
package app

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/SUSE/stampy"
	"github.com/SUSE/termui"
	"github.com/fatih/color"

	"github.com/hsbuild/curator/internal/docindex"
	"github.com/hsbuild/curator/internal/driver"
	"github.com/hsbuild/curator/internal/plan"
	"github.com/hsbuild/curator/internal/report"
)

// Options is the set of user-facing knobs bound by internal/cli,
// equivalent in spirit to fissile's app.Options but scoped to a curated-
// ecosystem build.
type Options struct {
	PlanFile    string
	InstallDest string
	LogDir      string
	ScratchDir  string

	Jobs int

	LocalDB string

	EnableHaddock  bool
	BuildHoogle    bool
	AllowNewer     bool
	NoRebuildCabal bool
	CabalFromHead  bool
	StrictTools    bool

	CabalPackageName string
	CabalRepoURL     string

	UnpackCommand []string
	GhcPkgPath    string
	GhcDocDir     string

	EnvDenyList []string

	Metrics     string
	ReportFile  string
	Verbose     bool
}

// Curator is the run-wide orchestrator, analogous to the teacher's
// app.Fissile: it owns the UI and the loaded Options for one invocation.
type Curator struct {
	Options Options
	UI      *termui.UI
	Version string
}

// New returns a Curator with ui as its progress sink.
func New(ui *termui.UI, version string) *Curator {
	return &Curator{UI: ui, Version: version}
}

func (c *Curator) stamp(series, event string) {
	if c.Options.Metrics == "" {
		return
	}
	stampy.Stamp(c.Options.Metrics, "curator", series, event)
}

// Build loads the configured plan and drives one full build run,
// rendering the doc index and an optional YAML summary report afterward.
// It returns the accumulated warnings; a failed build is reported via the
// returned error, which unwraps to a *driver.BuildException when any
// package failed (callers that need per-package detail should check for
// that type rather than parsing the message).
func (c *Curator) Build(ctx context.Context) ([]string, error) {
	c.stamp("build", "start")
	defer c.stamp("build", "done")

	p, err := plan.Load(c.Options.PlanFile)
	if err != nil {
		return nil, err
	}

	c.UI.Printf("%s %d package(s) from %s\n", color.YellowString("loaded"), len(p.Packages), c.Options.PlanFile)

	opt := driver.Options{
		InstallDest:      c.Options.InstallDest,
		LogDir:           c.Options.LogDir,
		ScratchDir:       c.Options.ScratchDir,
		Jobs:             c.Options.Jobs,
		LocalDB:          c.Options.LocalDB,
		EnableHaddock:    c.Options.EnableHaddock,
		BuildHoogle:      c.Options.BuildHoogle,
		AllowNewer:       c.Options.AllowNewer,
		NoRebuildCabal:   c.Options.NoRebuildCabal,
		CabalFromHead:    c.Options.CabalFromHead,
		StrictTools:      c.Options.StrictTools,
		CabalPackageName: c.Options.CabalPackageName,
		CabalRepoURL:     c.Options.CabalRepoURL,
		UnpackCommand:    c.Options.UnpackCommand,
		GhcPkgPath:       c.Options.GhcPkgPath,
		GhcDocDir:        c.Options.GhcDocDir,
		EnvDenyList:      c.Options.EnvDenyList,
		MetricsPath:      c.Options.Metrics,
		Verbose:          c.Options.Verbose,
	}

	warnings, buildErr := driver.Run(ctx, p, opt, c.UI)

	var buildErrs map[string]error
	if be, ok := buildErr.(*driver.BuildException); ok {
		buildErrs = be.Errors
		warnings = be.Warnings
	} else if buildErr != nil {
		return nil, buildErr
	}

	names := make([]string, 0, len(p.Packages))
	for name := range p.Packages {
		if p.IsCore(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if err := c.renderDocIndex(p, names, buildErrs); err != nil {
		c.UI.Printf("%s %v\n", color.RedString("doc index:"), err)
	}

	summary := report.New(names, buildErrs, warnings)
	if c.Options.ReportFile != "" {
		if err := report.WriteYAML(summary, c.Options.ReportFile); err != nil {
			c.UI.Printf("%s %v\n", color.RedString("report:"), err)
		}
	}

	for _, w := range warnings {
		c.UI.Printf("%s %s\n", color.YellowString("warning:"), w)
	}

	if buildErr != nil {
		return warnings, buildErr
	}
	return warnings, nil
}

// renderDocIndex builds doc/index.html from whichever package doc
// directories actually landed on disk — a package that failed before
// haddock, or whose haddocks were never enabled, simply has no entry.
func (c *Curator) renderDocIndex(p *plan.BuildPlan, names []string, buildErrs map[string]error) error {
	b := docindex.New()
	docDir := filepath.Join(c.Options.InstallDest, "doc")
	for _, name := range names {
		if _, failed := buildErrs[name]; failed {
			continue
		}
		pp := p.Packages[name]
		if _, err := os.Stat(filepath.Join(docDir, pp.ID(name))); err != nil {
			continue
		}
		b.Add(name, pp.Version)
	}
	return b.Render(docDir)
}
