// Package buildtask implements the Per-Package State Machine (C7): one
// package's journey through unpack/configure/build/register/haddock/test/
// bench, with the gating, skip, and failure rules described in §4.7.
package buildtask

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/SUSE/stampy"
	"github.com/SUSE/termui"
	"github.com/fatih/color"
	shutil "github.com/termie/go-shutil"

	"github.com/hsbuild/curator/internal/depgate"
	"github.com/hsbuild/curator/internal/govern"
	"github.com/hsbuild/curator/internal/haddock"
	"github.com/hsbuild/curator/internal/ledger"
	"github.com/hsbuild/curator/internal/pkgdb"
	"github.com/hsbuild/curator/internal/plan"
	"github.com/hsbuild/curator/internal/toolchain"
)

// Options bundles the per-run configuration every task needs, the
// PerformBuild config described in §6.
type Options struct {
	Dirs toolchain.InstallDirs
	// LogDir is the root of <logDir>/<name-version>/{build,test,bench}.out.
	LogDir string
	// ScratchDir is where packages are unpacked and built.
	ScratchDir string

	EnableHaddock  bool
	BuildHoogle    bool
	AllowNewer     bool
	NoRebuildCabal bool
	CabalFromHead  bool

	// CabalPackageName names the package treated as "Cabal itself" for
	// the NoRebuildCabal/CabalFromHead short-circuits.
	CabalPackageName string
	CabalRepoURL     string

	// LocalDB is the local (per-install) package database path; empty
	// means configure/register use only the global database.
	LocalDB string

	// UnpackCommand is the external unpack tool's argv prefix, invoked as
	// `<UnpackCommand...> --destdir=<scratchDir> <packageID>` when a
	// package carries no SourceURL.
	UnpackCommand []string

	MetricsPath string
}

// Callbacks lets a task report into the driver's shared state without
// holding a reference to it directly.
type Callbacks struct {
	ReportError func(pkg string, err error)
	AddWarning  func(msg string)
}

// Task drives a single package through every stage in §4.7.
type Task struct {
	Name string
	PP   plan.PackagePlan
	Plan *plan.BuildPlan

	Options   Options
	Gate      *depgate.Gate
	Ledger    *ledger.Ledger
	Adapter   *toolchain.Adapter
	Governor  *govern.Governor
	PkgDB     *pkgdb.DB
	Haddock   *haddock.Store
	Info      *depgate.PackageInfo
	// Registered is a snapshot of the package DB's contents taken once at
	// driver bootstrap (§4.3); a live re-query per package is neither
	// required nor safe to do concurrently against ghc-pkg.
	Registered map[string]bool

	UI   *termui.UI
	Call Callbacks

	hyperlinkOnce sync.Once
	hyperlinkFlag string
}

func (t *Task) id() string {
	return t.PP.ID(t.Name)
}

func (t *Task) isCabal() bool {
	return t.Options.CabalPackageName != "" && t.Name == t.Options.CabalPackageName
}

func (t *Task) println(format string, args ...interface{}) {
	if t.UI == nil {
		return
	}
	t.UI.Printf(format+"\n", args...)
}

func (t *Task) stamp(series, event string) {
	if t.Options.MetricsPath == "" {
		return
	}
	stampy.Stamp(t.Options.MetricsPath, "curator", series, event)
}

func (t *Task) logPath(name string) string {
	return filepath.Join(t.Options.LogDir, t.id(), name+".out")
}

// Run drives the full state machine for this package. It always returns
// with Info.Latch written exactly once (I1): true on a successfully
// published library, false on any fatal exit.
func (t *Task) Run(ctx context.Context) error {
	t.Governor.TaskStarted()
	defer t.Governor.TaskFinished()

	published := false
	defer func() {
		if !published {
			t.Info.Latch.Set(false)
		}
	}()

	if t.isCabal() && t.Options.NoRebuildCabal {
		t.Info.Latch.Set(true)
		published = true
		return nil
	}

	t.stamp(t.Name, "start")
	defer t.stamp(t.Name, "done")

	unpackDir, err := t.unpack(ctx)
	if err != nil {
		t.fail(err)
		return err
	}

	if err := t.configure(ctx, unpackDir, nil); err != nil {
		t.fail(err)
		return err
	}

	skipped, err := t.build(ctx, unpackDir)
	if err != nil {
		t.fail(err)
		return err
	}
	if skipped {
		// pcSkipBuild means this package's library is never built, so
		// libReady must stay false: any consumer gating on it fails with
		// DependencyFailed, per §8 scenario 4.
		return nil
	}

	// libReady publishes the instant the library is built, copied and
	// registered, so downstream consumers proceed in parallel with our
	// own haddock/test/bench stages (§4.7 BUILD step 4).
	t.Info.Latch.Set(true)
	published = true

	if t.Options.EnableHaddock {
		if err := t.haddockStage(ctx, unpackDir); err != nil {
			t.fail(err)
			return err
		}
	}

	if err := t.testsStage(ctx, unpackDir); err != nil {
		t.fail(err)
		return err
	}

	if err := t.benchesStage(ctx, unpackDir); err != nil {
		t.fail(err)
		return err
	}

	return nil
}

func (t *Task) fail(err error) {
	t.println("%s %s: %s", color.YellowString("result"), color.RedString(t.id()), err)
	if t.Call.ReportError != nil {
		t.Call.ReportError(t.Name, err)
	}
}

// runProcess acquires the job semaphore around a single external process
// invocation and releases it on every exit path, including cancellation,
// per §4.6/§5.
func (t *Task) runProcess(ctx context.Context, workDir, logName string, argv []string) error {
	if err := t.Governor.AcquireJob(ctx); err != nil {
		return fmt.Errorf("acquiring job slot: %w", err)
	}
	defer t.Governor.ReleaseJob()
	return t.Adapter.Run(ctx, workDir, t.logPath(logName), argv)
}

const setupHsBody = "import Distribution.Simple\nmain = defaultMain\n"

// unpack runs once, lazily, on first demand: it materialises the package's
// source tree and returns its root directory (§4.7 UNPACK).
func (t *Task) unpack(ctx context.Context) (string, error) {
	var dir string

	switch {
	case t.isCabal() && t.Options.CabalFromHead:
		// We choose the destination ourselves, so give it a unique
		// suffix to avoid colliding with a concurrent unrelated clone.
		dir = filepath.Join(t.Options.ScratchDir, toolchain.ScratchDirName(t.id()))
		if err := t.runProcess(ctx, t.Options.ScratchDir, "unpack", []string{"git", "clone", t.Options.CabalRepoURL, dir}); err != nil {
			return "", err
		}
	case t.PP.SourceURL != "":
		dir = filepath.Join(t.Options.ScratchDir, toolchain.ScratchDirName(t.id()))
		archivePath := filepath.Join(t.Options.ScratchDir, t.id()+".tar.gz")
		if err := toolchain.Download(ctx, t.PP.SourceURL, archivePath); err != nil {
			return "", err
		}
		if err := toolchain.Untar(archivePath, dir); err != nil {
			return "", err
		}
	default:
		// The external unpack tool places the package at
		// <scratchDir>/<id> itself, so the destination here must match
		// what it actually creates rather than a name we invent.
		dir = filepath.Join(t.Options.ScratchDir, t.id())
		argv := append(append([]string{}, t.Options.UnpackCommand...), "--destdir="+t.Options.ScratchDir, t.id())
		if err := t.runProcess(ctx, t.Options.ScratchDir, "unpack", argv); err != nil {
			return "", err
		}
	}

	if t.PP.Description.BuildType == "Simple" {
		os.Remove(filepath.Join(dir, "Setup.lhs"))
		if err := os.WriteFile(filepath.Join(dir, "Setup.hs"), []byte(setupHsBody), 0644); err != nil {
			return "", fmt.Errorf("synthesising Setup.hs: %w", err)
		}
	}

	if t.Options.AllowNewer {
		if err := rewriteAllowNewer(filepath.Join(dir, t.Name+".cabal")); err != nil {
			return "", fmt.Errorf("rewriting .cabal for allow-newer: %w", err)
		}
	}

	return dir, nil
}

// versionRangeRe matches a Cabal version-range expression following a
// dependency name (a chain of comparison operators joined by && or ||).
// This is a best-effort substitution, not a full Cabal grammar parser —
// parsing .cabal metadata is this system's out-of-scope collaborator
// (§1); allow-newer only needs to blank out ranges, not understand them.
var versionRangeRe = regexp.MustCompile(`(>=|<=|==|<|>|\^>=)\s*[0-9][0-9.*]*(\s*(&&|\|\|)\s*(>=|<=|==|<|>|\^>=)\s*[0-9][0-9.*]*)*`)

func rewriteAllowNewer(cabalPath string) error {
	body, err := os.ReadFile(cabalPath)
	if err != nil {
		return err
	}
	rewritten := versionRangeRe.ReplaceAll(body, []byte("-any"))
	return os.WriteFile(cabalPath, rewritten, 0644)
}

// setupArgv prepends the runghc binary name to a runghc argument list, the
// way every `Setup <verb>` invocation in §4.2/§4.7 is actually run.
func (t *Task) setupArgv(verbAndArgs ...string) []string {
	return append(append([]string{"runghc"}, toolchain.RunghcArgs(t.Options.LocalDB)...), verbAndArgs...)
}

// requiredForConfigure is the component set a package's own library and
// executable build depend on.
var requiredForConfigure = []plan.Component{plan.Library, plan.Executable}

// configure waits on C5 for the package's library/executable
// dependencies, then invokes `runghc Setup configure` (§4.7 CONFIGURE).
// It runs on every call: once from Run before BUILD, and again from the
// tests and benches stages, which pass extraArgs (--enable-tests,
// --enable-benchmarks) to reconfigure.
func (t *Task) configure(ctx context.Context, dir string, extraArgs []string) error {
	if err := t.Gate.Wait(ctx, t.Name, requiredForConfigure); err != nil {
		return err
	}

	opt := toolchain.ConfigureOptions{
		LocalDB:                 t.Options.LocalDB,
		Dirs:                    t.Options.Dirs,
		PackageID:               t.id(),
		FlagOverrides:           t.PP.Constraints.FlagOverrides,
		EnableLibProfile:        t.PP.Constraints.EnableLibProfile,
		EnableExecutableDynamic: true,
		ExtraArgs:               append(append([]string{}, t.PP.Constraints.ConfigureArgs...), extraArgs...),
	}
	argv := t.setupArgv("Setup", "configure")
	argv = append(argv, toolchain.ConfigureArgs(opt)...)

	return t.runProcess(ctx, dir, "build", argv)
}

// build implements §4.7 BUILD: rebuild when needed, publish libReady
// unconditionally afterwards — unless pcSkipBuild is set, in which case
// the caller must leave libReady unpublished (skipped == true).
func (t *Task) build(ctx context.Context, dir string) (skipped bool, err error) {
	if t.PP.Constraints.SkipBuild {
		return true, nil
	}

	id := t.id()
	prev := t.Ledger.Get(ledger.Build, id)
	hasLibrary := t.PP.Description.HasComponent(plan.Library)

	lostRegistration := hasLibrary && !t.Registered[t.Name]
	needBuild := prev != ledger.Success || lostRegistration

	if prev == ledger.Success && lostRegistration {
		t.warn(fmt.Sprintf("%s: ledger says build succeeded but the package is no longer registered, rebuilding", id))
	}

	if needBuild {
		if err := t.Ledger.ClearAll(id); err != nil {
			return false, err
		}

		argv := t.setupArgv("Setup", "build")
		if err := t.runProcess(ctx, dir, "build", argv); err != nil {
			t.Ledger.Put(ledger.Build, id, false)
			return false, err
		}

		copyArgv := t.setupArgv("Setup", "copy")
		if err := t.runProcess(ctx, dir, "build", copyArgv); err != nil {
			t.Ledger.Put(ledger.Build, id, false)
			return false, err
		}

		registerArgv := t.setupArgv("Setup", "register")
		registerErr := t.Governor.WithRegister(func() error {
			return t.runProcess(ctx, dir, "build", registerArgv)
		})
		if registerErr != nil {
			t.Ledger.Put(ledger.Build, id, false)
			return false, registerErr
		}

		if err := t.Ledger.Put(ledger.Build, id, true); err != nil {
			return false, err
		}
	}

	return false, nil
}

func (t *Task) warn(msg string) {
	if t.Call.AddWarning != nil {
		t.Call.AddWarning(msg)
	}
}

// applyPolicy implements §7's policy table for haddock/test/bench stages:
// an ExpectSuccess failure is fatal, an ExpectFailure success is a
// warning, and every other combination is silent.
func applyPolicy(id, stageName string, expected plan.TestState, succeeded bool, stageErr error, warn func(string)) error {
	switch expected {
	case plan.ExpectSuccess:
		if !succeeded {
			return fmt.Errorf("%s: %s failed: %v", id, stageName, stageErr)
		}
	case plan.ExpectFailure:
		if succeeded {
			warn(fmt.Sprintf("%s: unexpected %s success", id, stageName))
		}
	}
	return nil
}

func (t *Task) probeHyperlinkFlag(ctx context.Context) string {
	t.hyperlinkOnce.Do(func() {
		err := t.runProcess(ctx, os.TempDir(), "haddock-probe", []string{"haddock", "--hyperlinked-source", "--version"})
		if err == nil {
			t.hyperlinkFlag = "--hyperlinked-source"
		} else {
			t.hyperlinkFlag = "--hyperlink-source"
		}
	})
	return t.hyperlinkFlag
}

// haddockStage implements §4.7 HADDOCK.
func (t *Task) haddockStage(ctx context.Context, dir string) error {
	id := t.id()
	prev := t.Ledger.Get(ledger.Haddock, id)
	pc := t.PP.Constraints

	hasModules := len(t.PP.Description.Modules) > 0
	if !ledger.ShouldRerun(prev, pc.Haddocks) || !hasModules || pc.SkipBuild {
		return nil
	}

	argv := t.setupArgv("Setup", "haddock", t.probeHyperlinkFlag(ctx), "--html", "--html-location=../"+id+"/")
	if t.Options.BuildHoogle {
		argv = append(argv, "--hoogle")
	}
	argv = append(argv, toolchain.HaddockReadInterfaceArgs(t.Haddock.ReadInterfaceDeps(t.Name))...)

	haddockErr := t.runProcess(ctx, dir, "build", argv)
	succeeded := haddockErr == nil

	if succeeded {
		src := filepath.Join(dir, "dist", "doc", "html", t.Name)
		dst := filepath.Join(t.Options.Dirs.DocDir, id)
		os.RemoveAll(dst)
		if err := shutil.CopyTree(src, dst, &shutil.CopyTreeOptions{
			Symlinks:               true,
			CopyFunction:           shutil.Copy,
			IgnoreDanglingSymlinks: false,
		}); err != nil {
			succeeded = false
			haddockErr = fmt.Errorf("copying haddock output: %w", err)
		} else {
			haddockFile := filepath.Join(dst, t.Name+".haddock")
			t.Haddock.RecordInterface(id, haddockFile)
		}
	}

	if err := t.Ledger.Put(ledger.Haddock, id, succeeded); err != nil {
		return err
	}
	return applyPolicy(id, "haddock", pc.Haddocks, succeeded, haddockErr, t.warn)
}

var requiredForTests = []plan.Component{plan.Library, plan.Executable, plan.TestSuite}
var requiredForBenches = []plan.Component{plan.Library, plan.Executable, plan.Benchmark}

const testTimeoutDuration = 10 * time.Minute

// testsStage implements §4.7 TESTS.
func (t *Task) testsStage(ctx context.Context, dir string) error {
	id := t.id()
	pc := t.PP.Constraints
	prev := t.Ledger.Get(ledger.Test, id)
	if !ledger.ShouldRerun(prev, pc.Tests) {
		return nil
	}

	if err := t.Gate.Wait(ctx, t.Name, requiredForTests); err != nil {
		return err
	}
	if err := t.configure(ctx, dir, []string{"--enable-tests"}); err != nil {
		return err
	}

	argv := t.setupArgv("Setup", "build")
	if err := t.runProcess(ctx, dir, "test", argv); err != nil {
		t.Ledger.Put(ledger.Test, id, false)
		return applyPolicy(id, "test build", pc.Tests, false, err, t.warn)
	}

	succeeded := true
	var lastErr error
	for _, suite := range t.PP.Description.TestSuiteNames {
		binPath := filepath.Join(dir, "dist", "build", suite, suite)
		if _, err := os.Stat(binPath); err != nil {
			t.println("test: %s not built, skipping", suite)
			continue
		}
		if err := t.runTestBinary(ctx, dir, binPath); err != nil {
			succeeded = false
			lastErr = err
		}
	}

	if err := t.Ledger.Put(ledger.Test, id, succeeded); err != nil {
		return err
	}
	return applyPolicy(id, "test", pc.Tests, succeeded, lastErr, t.warn)
}

func (t *Task) runTestBinary(ctx context.Context, dir, binPath string) error {
	if err := t.Governor.AcquireJob(ctx); err != nil {
		return err
	}
	defer t.Governor.ReleaseJob()
	return t.Adapter.RunWithTimeout(ctx, testTimeoutDuration, dir, t.logPath("test"), []string{binPath})
}

// benchesStage implements §4.7 BENCHES: reconfigure and build only, never
// execute.
func (t *Task) benchesStage(ctx context.Context, dir string) error {
	id := t.id()
	pc := t.PP.Constraints
	prev := t.Ledger.Get(ledger.Bench, id)
	if !ledger.ShouldRerun(prev, pc.Benches) {
		return nil
	}

	if err := t.Gate.Wait(ctx, t.Name, requiredForBenches); err != nil {
		return err
	}
	if err := t.configure(ctx, dir, []string{"--enable-benchmarks"}); err != nil {
		return err
	}

	argv := t.setupArgv("Setup", "build")
	err := t.runProcess(ctx, dir, "bench", argv)
	succeeded := err == nil

	if putErr := t.Ledger.Put(ledger.Bench, id, succeeded); putErr != nil {
		return putErr
	}
	return applyPolicy(id, "bench", pc.Benches, succeeded, err, t.warn)
}
