// Package commands implements the winrm-exec command tree.
package commands

import (
	"github.com/spf13/cobra"
)

// Version is reported by --version.
var Version = "dev"

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "winrm-exec",
		Short: "Run PowerShell on Windows hosts over WinRM",
		Long: `winrm-exec runs PowerShell scripts, commands and script files on remote
Windows hosts through WinRM remote shells.

Settings are read from $XDG_CONFIG_HOME/winrmexec/config.yaml (or --config)
and WINRMEXEC_* environment variables. The password is taken from
WINRMEXEC_PASSWORD or prompted for.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to the configuration file")

	root.AddCommand(newRunCommand())
	root.AddCommand(newHistoryCommand())
	root.AddCommand(newConfigCommand())
	return root
}

// Execute runs the command tree.
func Execute() error {
	return NewRootCommand().Execute()
}
