// Command curator is the CLI entry point: it hands off to internal/cli's
// cobra command tree, mirroring the teacher's main.go -> cmd.Execute
// shape.
package main

import (
	"fmt"
	"os"

	"github.com/hsbuild/curator/internal/cli"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
