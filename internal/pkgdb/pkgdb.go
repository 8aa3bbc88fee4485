// Package pkgdb implements the Package Database Manager (C3): ensuring
// the local binary package database exists and enumerating the packages
// already registered in it.
package pkgdb

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DB is a single local package database rooted at Path.
type DB struct {
	Path string

	// GhcPkgPath is the ghc-pkg executable to invoke; defaults to
	// "ghc-pkg" when empty.
	GhcPkgPath string

	// Env is the filtered environment every ghc-pkg invocation inherits.
	Env []string
}

// New returns a DB rooted at path, with ghc-pkg resolved from the current
// process's PATH unless ghcPkgPath overrides it; env is the environment
// each ghc-pkg invocation runs with.
func New(path, ghcPkgPath string, env []string) *DB {
	return &DB{Path: path, GhcPkgPath: ghcPkgPath, Env: env}
}

func (d *DB) ghcPkg() string {
	if d.GhcPkgPath != "" {
		return d.GhcPkgPath
	}
	return "ghc-pkg"
}

// cacheFile is the file ghc-pkg maintains inside a package DB directory;
// its presence is what distinguishes an initialised DB from a bare
// directory, per §4.3.
const cacheFile = "package.cache"

// Ensure initialises the database if package.cache is absent. It is a
// no-op, not an error, if the database already exists.
func (d *DB) Ensure(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(d.Path, cacheFile)); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pkgdb: stat %s: %v", d.Path, err)
	}

	if err := os.MkdirAll(filepath.Dir(d.Path), 0755); err != nil {
		return fmt.Errorf("pkgdb: %v", err)
	}

	cmd := exec.CommandContext(ctx, d.ghcPkg(), "init", d.Path)
	cmd.Env = d.Env
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pkgdb: ghc-pkg init %s: %v\n%s", d.Path, err, out)
	}
	return nil
}

// RegisteredNames returns every package name currently registered in the
// database, used by the per-package state machine to detect a ledger
// entry whose binary registration has since been lost.
func (d *DB) RegisteredNames(ctx context.Context) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, d.ghcPkg(), "--package-db="+d.Path, "list", "--simple-output")
	cmd.Env = d.Env
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pkgdb: ghc-pkg list %s: %v", d.Path, err)
	}

	names := map[string]bool{}
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		for _, field := range strings.Fields(sc.Text()) {
			names[stripVersion(field)] = true
		}
	}
	return names, nil
}

// stripVersion drops the trailing "-<version>" (and any "-<hash>" abi
// suffix) from a ghc-pkg "name-version-hash" identifier, leaving the bare
// package name. Package names may themselves contain dashes (e.g.
// "http-client"), so the split point is the first dash-delimited segment
// that begins with a digit, that being where the version starts.
func stripVersion(id string) string {
	parts := strings.Split(id, "-")
	for i, p := range parts {
		if i > 0 && len(p) > 0 && p[0] >= '0' && p[0] <= '9' {
			return strings.Join(parts[:i], "-")
		}
	}
	return id
}
