package cli

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hsbuild/curator/internal/driver"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Compile every package in a resolved build plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := bindOptions(); err != nil {
			return err
		}

		_, err := curator.Build(context.Background())
		if err == nil {
			curator.UI.Println(color.GreenString("build succeeded"))
			return nil
		}

		if be, ok := err.(*driver.BuildException); ok {
			curator.UI.Printf("%s %d package(s) failed:\n", color.RedString("build failed:"), len(be.Errors))
			for name, perr := range be.Errors {
				curator.UI.Printf("  %s: %s\n", color.RedString(name), perr)
			}
			return err
		}

		return err
	},
}

func init() {
	RootCmd.AddCommand(buildCmd)
}
