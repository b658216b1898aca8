package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/mamoru/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info := version.Get()
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return json.NewEncoder(os.Stdout).Encode(info)
		}
		fmt.Printf("mamoru %s (%s, %s)\n", info.Version, info.GoVersion, info.Platform)
		if info.GitCommit != "" {
			fmt.Printf("commit %s built %s\n", info.GitCommit, info.BuildDate)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Print as JSON")
}
