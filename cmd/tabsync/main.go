// ABOUTME: Entry point for the tabsync hub and its maintenance commands
// ABOUTME: Wires cobra subcommands onto the shared configuration and logger

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/tabsync/internal/config"
)

// version is set at build time.
var version = "dev"

const banner = `
 _        _                            
| |_ __ _| |__  ___ _   _ _ __   ___ 
| __/ _' | '_ \/ __| | | | '_ \ / __|
| || (_| | |_) \__ \ |_| | | | | (__ 
 \__\__,_|_.__/|___/\__, |_| |_|\___|
                    |___/            
`

var rootCmd = &cobra.Command{
	Use:           "tabsync",
	Short:         "Keep floating window state in sync across browser tabs",
	Long:          "tabsync runs the shared hub that stores window state per scope and relays changes between tabs.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().String("config", "", "Config file (default $TABSYNC_CONFIG or $XDG_CONFIG_HOME/tabsync/config.yaml)")
}

// loadConfig resolves and loads the configuration named by --config.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	flagValue, _ := cmd.Flags().GetString("config")
	path := config.ResolvePath(flagValue)
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
