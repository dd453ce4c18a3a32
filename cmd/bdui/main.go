package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/HerbCaudill/beads-ui-sub002/internal/config"
	"github.com/HerbCaudill/beads-ui-sub002/internal/debug"
	"github.com/HerbCaudill/beads-ui-sub002/internal/logging"
)

var (
	workspacePath string
	logLevel      string
	logJSON       bool
	logFile       string
	verbose       bool

	logCloser io.Closer
)

func init() {
	// Initialize viper configuration
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize config: %v\n", err)
	}

	rootCmd.PersistentFlags().StringVar(&workspacePath, "workspace", "", "Workspace to serve (default: $BEADS_DIR or the workspace containing the current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log JSON lines instead of console output")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to a rotated file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log debug traces (implies --log-level debug)")

	rootCmd.Flags().BoolP("version", "v", false, "Print version information")
}

var rootCmd = &cobra.Command{
	Use:   "bdui",
	Short: "bdui - live web view for beads issue trackers",
	Long: `Serves live, incrementally updated views of a beads workspace over a
websocket, and includes a terminal client that follows them.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("bdui version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Priority: flags > viper (config file + env vars) > defaults
		applyConfig(cmd)

		if verbose {
			debug.SetEnabled(true)
		}
		if debug.Enabled() {
			logLevel = string(logging.DebugLevel)
		}
		logCloser = logging.Init(logging.Config{
			Level:      logging.Level(logLevel),
			JSONOutput: logJSON,
			File:       logFile,
		})
		if file := config.ConfigFileUsed(); file != "" {
			debug.Logf("using config file %s", file)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

// applyConfig fills every persistent flag the user did not pass from viper.
func applyConfig(cmd *cobra.Command) {
	flags := cmd.Flags()
	if !flags.Changed("workspace") && workspacePath == "" {
		workspacePath = config.GetString("workspace")
	}
	if !flags.Changed("log-level") {
		logLevel = config.GetString("log-level")
	}
	if !flags.Changed("log-json") {
		logJSON = config.GetBool("log-json")
	}
	if !flags.Changed("log-file") {
		logFile = config.GetString("log-file")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
