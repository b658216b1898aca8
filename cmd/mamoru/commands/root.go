package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/mamoru/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mamoru",
	Short: "Intrusion detection and automated incident response",
	Long: `mamoru screens inbound requests for attacks, blocks offending sources in
memory and at the host firewall, and runs a staged emergency workflow
(containment, backup, forensics, notification, recovery) for critical
incidents.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); defaults and MAMORU_* environment variables apply without one")

	info := version.Get()
	rootCmd.SetVersionTemplate(fmt.Sprintf(`mamoru {{.Version}}
  Git Commit: %s
  Build Date: %s
  Go Version: %s
  Platform:   %s
`, info.GitCommit, info.BuildDate, info.GoVersion, info.Platform))
}
