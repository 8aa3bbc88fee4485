// Package report renders the structured summary of a build run — the
// successes, failures, and warnings described in §6's "Outputs" — as a
// YAML document, the same serialisation library (gopkg.in/yaml.v2) the
// teacher's model package uses for release/job manifests.
package report

import (
	"fmt"
	"os"
	"sort"

	yaml "gopkg.in/yaml.v2"
)

// Summary is the build-run outcome surfaced to the CLI and, optionally,
// written to disk.
type Summary struct {
	Succeeded []string          `yaml:"succeeded"`
	Failed    map[string]string `yaml:"failed,omitempty"`
	Warnings  []string          `yaml:"warnings,omitempty"`
}

// New builds a Summary from the set of package names the plan named,
// the per-package errors the driver accumulated, and the run's warnings.
func New(allPackages []string, errs map[string]error, warnings []string) Summary {
	s := Summary{Warnings: append([]string{}, warnings...)}
	if len(errs) > 0 {
		s.Failed = make(map[string]string, len(errs))
	}
	for _, name := range allPackages {
		if err, failed := errs[name]; failed {
			s.Failed[name] = err.Error()
			continue
		}
		s.Succeeded = append(s.Succeeded, name)
	}
	sort.Strings(s.Succeeded)
	return s
}

// WriteYAML marshals s to path as YAML.
func WriteYAML(s Summary, path string) error {
	body, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("report: marshalling summary: %v", err)
	}
	if err := os.WriteFile(path, body, 0644); err != nil {
		return fmt.Errorf("report: writing %s: %v", path, err)
	}
	return nil
}
