// Package driver implements the Build Driver (C8): it assembles the
// shared, process-wide state a build run needs, spawns one task per
// package, waits for quiescence, and aggregates the run's errors and
// warnings into the final report described in §4.8 and §8.
package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/SUSE/termui"
	shutil "github.com/termie/go-shutil"

	"github.com/hsbuild/curator/internal/buildtask"
	"github.com/hsbuild/curator/internal/depgate"
	"github.com/hsbuild/curator/internal/envfilter"
	"github.com/hsbuild/curator/internal/govern"
	"github.com/hsbuild/curator/internal/haddock"
	"github.com/hsbuild/curator/internal/ledger"
	"github.com/hsbuild/curator/internal/pkgdb"
	"github.com/hsbuild/curator/internal/plan"
	"github.com/hsbuild/curator/internal/toolchain"
)

// Options is the PerformBuild configuration named in §6: everything the
// driver needs beyond the plan itself.
type Options struct {
	InstallDest string
	LogDir      string
	ScratchDir  string

	Jobs int

	// LocalDB, when non-empty, configures a per-install local package
	// database in addition to the global one (§4.2/§5).
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

	GhcPkgPath string
	// GhcDocDir, when non-empty, is copied into <InstallDest>/doc at
	// bootstrap, seeding the install tree with the compiler's own
	// bundled documentation (§4.8 step 3).
	GhcDocDir string

	// EnvDenyList is the set of environment variable names filtered out
	// of every child process's environment (§5).
	EnvDenyList []string

	MetricsPath string
	Verbose     bool
}

// BuildException is raised when one or more packages failed; it carries
// the full per-package error map plus every warning accumulated during
// the run, per §7's "the driver never re-throws mid-run: it aggregates
// and surfaces at the end".
type BuildException struct {
	Errors   map[string]error
	Warnings []string
}

func (e *BuildException) Error() string {
	return fmt.Sprintf("build failed: %d package(s) failed", len(e.Errors))
}

// uiSink adapts a *termui.UI into the io.Writer the toolchain Adapter's
// --verbose log sink expects.
type uiSink struct{ ui *termui.UI }

func (s uiSink) Write(p []byte) (int, error) {
	s.ui.Printf("%s", string(p))
	return len(p), nil
}

const maxErrorDisplayLen = 500

func truncate(s string) string {
	if len(s) <= maxErrorDisplayLen {
		return s
	}
	return s[:maxErrorDisplayLen]
}

// Run executes one full build: every package in p, in dependency order as
// determined dynamically by the dependency gate, bounded to Jobs
// concurrently running external processes. It returns the accumulated
// warnings on success, or a *BuildException when any package failed.
func Run(ctx context.Context, p *plan.BuildPlan, opt Options, ui *termui.UI) ([]string, error) {
	for _, path := range []*string{&opt.InstallDest, &opt.LogDir} {
		if *path == "" {
			continue
		}
		abs, err := filepath.Abs(*path)
		if err != nil {
			return nil, fmt.Errorf("driver: canonicalising %s: %v", *path, err)
		}
		*path = abs
	}

	dirs := toolchain.NewInstallDirs(opt.InstallDest)
	for _, dir := range []string{dirs.BinDir, dirs.LibDir, dirs.ShareDir, dirs.LibexecDir, dirs.EtcDir, dirs.DocDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("driver: creating %s: %v", dir, err)
		}
	}

	if err := os.RemoveAll(opt.LogDir); err != nil {
		return nil, fmt.Errorf("driver: clearing log tree: %v", err)
	}
	if err := os.MkdirAll(opt.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("driver: creating log tree: %v", err)
	}

	pkgDBPath := filepath.Join(opt.InstallDest, "pkgdb")
	env := envfilter.Filter(os.Environ(), opt.EnvDenyList, dirs.BinDir)
	if opt.LocalDB != "" {
		env = append(env, "HASKELL_PACKAGE_SANDBOX="+opt.LocalDB)
	}

	db := pkgdb.New(pkgDBPath, opt.GhcPkgPath, env)
	if err := db.Ensure(ctx); err != nil {
		return nil, err
	}
	registered, err := db.RegisteredNames(ctx)
	if err != nil {
		return nil, err
	}

	if opt.GhcDocDir != "" {
		if err := shutil.CopyTree(opt.GhcDocDir, filepath.Join(dirs.DocDir, "ghc"), &shutil.CopyTreeOptions{
			Symlinks:     true,
			CopyFunction: shutil.Copy,
		}); err != nil {
			return nil, fmt.Errorf("driver: copying bundled compiler docs: %v", err)
		}
	}

	governor := govern.New(opt.Jobs)
	lgr := ledger.New(opt.InstallDest)
	hstore := haddock.New(p)
	adapter := toolchain.New(env)
	if opt.Verbose && ui != nil {
		adapter.Sink = uiSink{ui}
	}

	infos := make(map[string]*depgate.PackageInfo, len(p.Packages))
	for name, pp := range p.Packages {
		infos[name] = &depgate.PackageInfo{Plan: pp, Name: name, Latch: depgate.NewLatch()}
	}
	gate := depgate.NewWithCabal(p, infos, opt.StrictTools, opt.CabalPackageName)

	var mu sync.Mutex
	errs := map[string]error{}
	var warnings []string

	callbacks := buildtask.Callbacks{
		ReportError: func(pkg string, err error) {
			mu.Lock()
			defer mu.Unlock()
			errs[pkg] = fmt.Errorf("%s", truncate(err.Error()))
		},
		AddWarning: func(msg string) {
			mu.Lock()
			defer mu.Unlock()
			warnings = append(warnings, msg)
		},
	}

	taskOptions := buildtask.Options{
		Dirs:             dirs,
		LogDir:           opt.LogDir,
		ScratchDir:       opt.ScratchDir,
		EnableHaddock:    opt.EnableHaddock,
		BuildHoogle:      opt.BuildHoogle,
		AllowNewer:       opt.AllowNewer,
		NoRebuildCabal:   opt.NoRebuildCabal,
		CabalFromHead:    opt.CabalFromHead,
		CabalPackageName: opt.CabalPackageName,
		CabalRepoURL:     opt.CabalRepoURL,
		LocalDB:          opt.LocalDB,
		UnpackCommand:    opt.UnpackCommand,
		MetricsPath:      opt.MetricsPath,
	}

	names := make([]string, 0, len(p.Packages))
	for name := range p.Packages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if p.IsCore(name) {
			continue
		}
		name := name
		task := &buildtask.Task{
			Name:       name,
			PP:         p.Packages[name],
			Plan:       p,
			Options:    taskOptions,
			Gate:       gate,
			Ledger:     lgr,
			Adapter:    adapter,
			Governor:   governor,
			PkgDB:      db,
			Haddock:    hstore,
			Info:       infos[name],
			Registered: registered,
			UI:         ui,
			Call:       callbacks,
		}
		go func() {
			// A task reports its own errors through Call.ReportError;
			// Run's own return value is not separately needed here.
			_ = task.Run(ctx)
		}()
	}

	governor.Wait()

	if len(errs) > 0 {
		return nil, &BuildException{Errors: errs, Warnings: warnings}
	}
	return warnings, nil
}
