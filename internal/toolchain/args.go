package toolchain

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// argv is the "writer-log for argv construction" §9 calls for: a simple
// append-to-vector builder in place of the source's writer monad.
type argv struct {
	args []string
}

func (a *argv) add(s ...string) *argv {
	a.args = append(a.args, s...)
	return a
}

func (a *argv) addf(format string, v ...interface{}) *argv {
	return a.add(fmt.Sprintf(format, v...))
}

// InstallDirs are the per-tree install locations a configure invocation
// needs, rooted at a build's install destination.
type InstallDirs struct {
	BinDir     string
	LibDir     string
	ShareDir   string
	LibexecDir string
	EtcDir     string
	DocDir     string // <installDest>/doc, the parent of every package's own doc subdir
}

// NewInstallDirs derives the standard per-tree subdirectories from a
// single install destination root.
func NewInstallDirs(installDest string) InstallDirs {
	return InstallDirs{
		BinDir:     filepath.Join(installDest, "bin"),
		LibDir:     filepath.Join(installDest, "lib"),
		ShareDir:   filepath.Join(installDest, "share"),
		LibexecDir: filepath.Join(installDest, "libexec"),
		EtcDir:     filepath.Join(installDest, "etc"),
		DocDir:     filepath.Join(installDest, "doc"),
	}
}

// RunghcArgs builds the argument prefix for invoking Setup.hs through
// runghc, per §4.2: a cleared, global-plus-optional-local package DB view.
func RunghcArgs(localDB string) []string {
	a := (&argv{}).add("-clear-package-db", "-global-package-db")
	if localDB != "" {
		a.addf("-package-db=%s", localDB)
	}
	return a.args
}

// ConfigureOptions parameterises ConfigureArgs.
type ConfigureOptions struct {
	LocalDB                 string
	Dirs                    InstallDirs
	PackageID               string // "<name>-<version>", used for the doc subdirectory
	FlagOverrides           map[string]bool
	EnableLibProfile        bool
	EnableExecutableDynamic bool
	EnableTests             bool
	EnableBenchmarks        bool
	ExtraArgs               []string // plan-supplied configureArgs, appended verbatim
}

// ConfigureArgs builds the full `Setup configure` argument list per §4.2.
func ConfigureArgs(opt ConfigureOptions) []string {
	a := &argv{}
	if opt.LocalDB != "" {
		a.addf("--package-db=%s", opt.LocalDB)
	}
	a.addf("--bindir=%s", opt.Dirs.BinDir)
	a.addf("--libdir=%s", opt.Dirs.LibDir)
	a.addf("--datadir=%s", opt.Dirs.ShareDir)
	a.addf("--libexecdir=%s", opt.Dirs.LibexecDir)
	a.addf("--sysconfdir=%s", opt.Dirs.EtcDir)
	a.addf("--docdir=%s", filepath.Join(opt.Dirs.DocDir, opt.PackageID))

	if flags := formatFlags(opt.FlagOverrides); flags != "" {
		a.addf("--flags=%s", flags)
	}

	if opt.EnableLibProfile {
		a.add("--enable-library-profiling")
	}
	if opt.EnableExecutableDynamic {
		a.add("--enable-executable-dynamic")
	}
	if opt.EnableTests {
		a.add("--enable-tests")
	}
	if opt.EnableBenchmarks {
		a.add("--enable-benchmarks")
	}

	a.add(opt.ExtraArgs...)

	return a.args
}

// formatFlags renders a flag-override map as cabal's signed, space
// separated flag list, e.g. "+foo -bar", in deterministic (sorted) order.
func formatFlags(overrides map[string]bool) string {
	if len(overrides) == 0 {
		return ""
	}
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		sign := "-"
		if overrides[name] {
			sign = "+"
		}
		parts = append(parts, sign+name)
	}
	return strings.Join(parts, " ")
}

// HaddockReadInterfaceArgs builds one --haddock-options=--read-interface=...
// argument per haddock dependency, per §4.4.
func HaddockReadInterfaceArgs(deps map[string]string) []string {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	a := &argv{}
	for _, name := range names {
		a.addf("--haddock-options=--read-interface=../%s/,%s", name, deps[name])
	}
	return a.args
}

// ShellQuote renders argv the way a POSIX shell would need it quoted, for
// the log-file command header described in §4.2.
func ShellQuote(argvSlice []string) string {
	quoted := make([]string, len(argvSlice))
	for i, a := range argvSlice {
		if a == "" || strings.ContainsAny(a, " \t\n'\"\\$`") {
			quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}
