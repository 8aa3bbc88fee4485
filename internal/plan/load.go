package plan

import (
	"fmt"
	"io/ioutil"

	yaml "gopkg.in/yaml.v2"
)

// Load reads a BuildPlan from a YAML file at path. The plan is produced by
// the (out-of-scope) version solver; this is purely the deserialisation
// half.
func Load(path string) (*BuildPlan, error) {
	contents, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading build plan %s: %v", path, err)
	}

	var p BuildPlan
	if err := yaml.Unmarshal(contents, &p); err != nil {
		return nil, fmt.Errorf("parsing build plan %s: %v", path, err)
	}

	if p.Packages == nil {
		p.Packages = map[string]PackagePlan{}
	}
	if p.CorePackages == nil {
		p.CorePackages = map[string]bool{}
	}
	if p.CoreExecutables == nil {
		p.CoreExecutables = map[string]bool{}
	}
	if p.ToolOverrides == nil {
		p.ToolOverrides = map[string]string{}
	}

	return &p, nil
}
