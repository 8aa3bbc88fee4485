// Package cli is the curator command tree, grounded in the teacher's
// cmd/root.go: a cobra root command with persistent flags bound through
// viper, reading $HOME/.curator.yaml plus CURATOR_* environment
// variables. It is deliberately thin — per spec.md §1 the CLI is a named,
// out-of-scope collaborator; this package only turns flags into an
// app.Options and hands off to internal/app.
package cli

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/SUSE/termui"
	"github.com/hsbuild/curator/internal/app"
)

var (
	cfgFile string
	curator *app.Curator
	version string
)

// RootCmd is the base command when curator is invoked with no subcommand.
var RootCmd = &cobra.Command{
	Use:           "curator",
	Short:         "Curated-ecosystem build driver",
	Long:          "\ncurator compiles a resolved build plan of packages and their pinned\nversions, in dependency order, and produces an installed package\ndatabase and HTML documentation tree.\n",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the command tree against a freshly constructed Curator.
// It is called once by cmd/curator/main.go.
func Execute(v string) error {
	version = v
	ui := termui.New(os.Stdin, color.Output, os.Stderr)
	curator = app.New(ui, version)
	return RootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.curator.yaml)")
	RootCmd.PersistentFlags().StringP("plan", "p", "", "Path to the resolved build plan YAML file.")
	RootCmd.PersistentFlags().StringP("install-dest", "i", "", "Path to the install destination tree.")
	RootCmd.PersistentFlags().String("log-dir", "", "Path to the per-package log directory.")
	RootCmd.PersistentFlags().String("scratch-dir", "", "Path to the unpack/build scratch directory.")
	RootCmd.PersistentFlags().IntP("jobs", "j", 0, "Number of concurrently running external processes; zero means CPU count.")
	RootCmd.PersistentFlags().String("local-db", "", "Path to an additional local (per-install) package database.")
	RootCmd.PersistentFlags().Bool("haddock", true, "Enable the haddock documentation stage.")
	RootCmd.PersistentFlags().Bool("hoogle", false, "Pass --hoogle to haddock.")
	RootCmd.PersistentFlags().Bool("allow-newer", false, "Rewrite every dependency version bound to any-version before building.")
	RootCmd.PersistentFlags().Bool("no-rebuild-cabal", false, "Treat the configured Cabal package as already installed.")
	RootCmd.PersistentFlags().Bool("cabal-from-head", false, "Clone Cabal from its upstream repository instead of unpacking a release tarball.")
	RootCmd.PersistentFlags().Bool("strict-tools", false, "Fail the build when a declared non-core build tool has no known provider.")
	RootCmd.PersistentFlags().String("cabal-package", "Cabal", "Name of the package treated as Cabal itself.")
	RootCmd.PersistentFlags().String("cabal-repo", "", "Upstream git URL to clone when --cabal-from-head is set.")
	RootCmd.PersistentFlags().String("ghc-pkg", "ghc-pkg", "Path to the ghc-pkg executable.")
	RootCmd.PersistentFlags().String("ghc-doc-dir", "", "Path to the compiler's bundled documentation, copied into the install doc tree.")
	RootCmd.PersistentFlags().StringSlice("env-deny", nil, "Environment variable names filtered out of every child process.")
	RootCmd.PersistentFlags().StringP("metrics", "M", "", "Path to a CSV file to store timing metrics into.")
	RootCmd.PersistentFlags().String("report", "", "Path to write a YAML summary report to.")
	RootCmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose output.")

	viper.BindPFlags(RootCmd.PersistentFlags())
}

func initConfig() {
	initViper(viper.GetViper())
}

func initViper(v *viper.Viper) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}

	v.SetEnvPrefix("CURATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetConfigName(".curator")
	v.AddConfigPath("$HOME")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err == nil {
		if v == viper.GetViper() {
			fmt.Println("Using config file:", viper.ConfigFileUsed())
		}
	}
}

// bindOptions copies every bound viper value into curator.Options,
// applying the same CPU-count default the teacher applies to its own
// worker-count flag.
func bindOptions() error {
	o := &curator.Options
	o.PlanFile = viper.GetString("plan")
	o.InstallDest = viper.GetString("install-dest")
	o.LogDir = viper.GetString("log-dir")
	o.ScratchDir = viper.GetString("scratch-dir")
	o.Jobs = viper.GetInt("jobs")
	o.LocalDB = viper.GetString("local-db")
	o.EnableHaddock = viper.GetBool("haddock")
	o.BuildHoogle = viper.GetBool("hoogle")
	o.AllowNewer = viper.GetBool("allow-newer")
	o.NoRebuildCabal = viper.GetBool("no-rebuild-cabal")
	o.CabalFromHead = viper.GetBool("cabal-from-head")
	o.StrictTools = viper.GetBool("strict-tools")
	o.CabalPackageName = viper.GetString("cabal-package")
	o.CabalRepoURL = viper.GetString("cabal-repo")
	o.GhcPkgPath = viper.GetString("ghc-pkg")
	o.GhcDocDir = viper.GetString("ghc-doc-dir")
	o.EnvDenyList = viper.GetStringSlice("env-deny")
	o.Metrics = viper.GetString("metrics")
	o.ReportFile = viper.GetString("report")
	o.Verbose = viper.GetBool("verbose")

	if o.Jobs < 1 {
		o.Jobs = runtime.NumCPU()
	}
	if o.PlanFile == "" {
		return fmt.Errorf("--plan is required")
	}
	if o.InstallDest == "" {
		return fmt.Errorf("--install-dest is required")
	}
	if o.LogDir == "" {
		o.LogDir = o.InstallDest + "-logs"
	}
	if o.ScratchDir == "" {
		o.ScratchDir = o.InstallDest + "-scratch"
	}
	return nil
}
