package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/HerbCaudill/beads-ui-sub002/internal/rpc"
	"github.com/HerbCaudill/beads-ui-sub002/internal/storage/cli"
)

var (
	// Version is the current version of bdui (overridden by ldflags at build time)
	Version = rpc.ServerVersion
	// Build can be set via ldflags at compile time
	Build = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(map[string]string{
				"version":  Version,
				"build":    Build,
				"min_bd":   cli.MinVersion,
				"protocol": rpc.ServerVersion,
			})
			return
		}
		fmt.Printf("bdui version %s (%s)\n", Version, Build)
		fmt.Printf("  requires bd >= %s\n", cli.MinVersion)
	},
}

func init() {
	versionCmd.Flags().Bool("json", false, "Output in JSON format")
	rootCmd.AddCommand(versionCmd)
}
