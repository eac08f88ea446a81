// Package cli implements the ekaya-datastore command line.
package cli

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	version    string
	configPath string
	schema     string
	noColor    bool
}

// NewRootCommand builds the command tree. version is reported by --version and stored on
// the loaded configuration.
func NewRootCommand(version string) *cobra.Command {
	opts := &rootOptions{version: version}

	cmd := &cobra.Command{
		Use:           "ekaya-datastore",
		Short:         "Entity storage engine for PostgreSQL",
		Long:          "Manage the tables, schema versions and migrations of the ekaya datastore",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "config.yaml", "Path to the configuration file")
	flags.StringVar(&opts.schema, "schema", "", "Database schema (defaults to datastore.schema from the configuration)")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(
		newMigrateCommand(opts),
		newPreviewCommand(opts),
		newMetaCommand(opts),
		newParseCommand(),
	)
	return cmd
}
