// Package cli assembles the asad command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// App is the CLI application with all wired dependencies.
type App struct {
	rootCmd *cobra.Command

	// configPath is the --config persistent flag value.
	configPath string

	// debug switches logging to the human-readable console encoder.
	debug bool

	version string
	commit  string
	date    string
}

// New creates the CLI application.
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the build information reported by the version command.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "asad",
		Short: "Autonomous bug-fix service",
		Long: `asad accepts bug reports against git repositories, reproduces each
bug with the project's test suite, generates and validates a fix, and
publishes the result as a pull request branch.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"Path to the YAML configuration file")
	a.rootCmd.PersistentFlags().BoolVar(&a.debug, "debug", false,
		"Log human-readable console output instead of JSON")

	a.rootCmd.AddCommand(NewServeCmd(a))
	a.rootCmd.AddCommand(NewVersionCmd(a))
}
