// Package docindex builds the landing page for a build's installed
// documentation tree: a single doc/index.html listing every package that
// produced haddock output, with a link into its own doc/<name-version>/
// subdirectory. It replaces the teacher's Kubernetes-manifest
// ConfigBuilder (kube/deployment.go) with html/template, since this
// system assembles an HTML document instead of a YAML manifest, but
// keeps the same "build up a typed document field-by-field" shape.
package docindex

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
)

// Entry is one linked package in the generated index.
type Entry struct {
	Name    string
	Version string
	DirName string // "<name>-<version>", the doc subdirectory this links to
}

const indexTemplate = `<!DOCTYPE html>
<html>
<head><title>Installed package documentation</title></head>
<body>
<h1>Installed package documentation</h1>
<ul>
{{range .}}<li><a href="{{.DirName}}/index.html">{{.Name}} {{.Version}}</a></li>
{{end}}</ul>
</body>
</html>
`

// Builder accumulates entries before rendering, the same
// build-up-then-render shape as kube's ConfigBuilder.
type Builder struct {
	entries []Entry
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{}
}

// Add registers one package's doc directory.
func (b *Builder) Add(name, version string) *Builder {
	b.entries = append(b.entries, Entry{Name: name, Version: version, DirName: name + "-" + version})
	return b
}

// Render writes the index.html to docDir/index.html, creating docDir if
// necessary. Entries are sorted by name for a deterministic page.
func (b *Builder) Render(docDir string) error {
	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].Name < b.entries[j].Name })

	tmpl, err := template.New("index").Parse(indexTemplate)
	if err != nil {
		return fmt.Errorf("docindex: parsing template: %v", err)
	}

	if err := os.MkdirAll(docDir, 0755); err != nil {
		return fmt.Errorf("docindex: creating %s: %v", docDir, err)
	}

	f, err := os.Create(filepath.Join(docDir, "index.html"))
	if err != nil {
		return fmt.Errorf("docindex: creating index.html: %v", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, b.entries); err != nil {
		return fmt.Errorf("docindex: rendering index.html: %v", err)
	}
	return nil
}
