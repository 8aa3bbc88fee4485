package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsbuild/curator/internal/plan"
)

// writeFakeRunghc writes a runghc stand-in that treats every `Setup
// <verb>` invocation as succeeding, the same minimal contract
// internal/buildtask's own tests rely on.
func writeFakeRunghc(t *testing.T, binDir string) {
	t.Helper()
	script := "#!/bin/sh\nexit 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "runghc"), []byte(script), 0755))
}

// writeFakeUnpack writes the unpack-tool stand-in described in
// internal/buildtask's tests: it materialises <destdir>/<id>.
func writeFakeUnpack(t *testing.T, binDir string) {
	t.Helper()
	script := `#!/bin/sh
destdir=""
id=""
for a in "$@"; do
  case "$a" in
    --destdir=*) destdir="${a#--destdir=}" ;;
    *) id="$a" ;;
  esac
done
mkdir -p "$destdir/$id"
`
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "fake-unpack"), []byte(script), 0755))
}

// writeFakeGhcPkg writes a ghc-pkg stand-in that initialises an empty
// database on "init" and reports no registered packages on "list".
func writeFakeGhcPkg(t *testing.T, binDir string) {
	t.Helper()
	script := `#!/bin/sh
case "$1" in
  init)
    mkdir -p "$2"
    touch "$2/package.cache"
    ;;
  *)
    # --package-db=<path> list --simple-output: report no packages.
    exit 0
    ;;
esac
`
	require.NoError(t, os.WriteFile(filepath.Join(binDir, "ghc-pkg"), []byte(script), 0755))
}

func testPlan() *plan.BuildPlan {
	return &plan.BuildPlan{
		Packages: map[string]plan.PackagePlan{
			"a": {
				Version: "1.0",
				Description: plan.PackageDescription{
					Components: []plan.Component{plan.Library},
				},
			},
			"b": {
				Version: "1.0",
				Description: plan.PackageDescription{
					Components: []plan.Component{plan.Library},
					Dependencies: map[string][]plan.Component{
						"a": {plan.Library},
					},
				},
			},
		},
		CorePackages:    map[string]bool{},
		CoreExecutables: map[string]bool{},
		ToolOverrides:   map[string]string{},
	}
}

func TestRunBuildsEveryPackage(t *testing.T) {
	require := require.New(t)
	binDir := t.TempDir()
	writeFakeRunghc(t, binDir)
	writeFakeUnpack(t, binDir)
	writeFakeGhcPkg(t, binDir)

	installDest := t.TempDir()

	opt := Options{
		InstallDest:   installDest,
		LogDir:        filepath.Join(installDest, "..", "logs"),
		ScratchDir:    t.TempDir(),
		Jobs:          2,
		EnableHaddock: false,
		UnpackCommand: []string{filepath.Join(binDir, "fake-unpack")},
		GhcPkgPath:    filepath.Join(binDir, "ghc-pkg"),
	}

	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	warnings, err := Run(context.Background(), testPlan(), opt, nil)
	require.NoError(err)
	assert.Empty(t, warnings)
}

func TestRunDependencyFailurePropagates(t *testing.T) {
	require := require.New(t)
	binDir := t.TempDir()
	// runghc fails every `Setup build` but succeeds `Setup configure`.
	script := `#!/bin/sh
case "$*" in
  *configure*) exit 0 ;;
  *) exit 1 ;;
esac
`
	require.NoError(os.WriteFile(filepath.Join(binDir, "runghc"), []byte(script), 0755))
	writeFakeUnpack(t, binDir)
	writeFakeGhcPkg(t, binDir)

	installDest := t.TempDir()
	opt := Options{
		InstallDest:   installDest,
		LogDir:        filepath.Join(installDest, "..", "logs"),
		ScratchDir:    t.TempDir(),
		Jobs:          2,
		UnpackCommand: []string{filepath.Join(binDir, "fake-unpack")},
		GhcPkgPath:    filepath.Join(binDir, "ghc-pkg"),
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	_, err := Run(context.Background(), testPlan(), opt, nil)
	require.Error(err, "Run: expected an error when package a's build fails")
	be, ok := err.(*BuildException)
	require.True(ok, "Run: got %T, want *BuildException", err)

	_, failed := be.Errors["a"]
	assert.True(t, failed, "BuildException.Errors: missing a's own failure, got %v", be.Errors)
	_, failed = be.Errors["b"]
	assert.True(t, failed, "BuildException.Errors: missing b's DependencyFailed, got %v", be.Errors)
}
