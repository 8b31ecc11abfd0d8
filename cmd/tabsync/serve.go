// ABOUTME: serve command: runs the hub until interrupted
// ABOUTME: Prints a startup banner and the resolved addresses

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/tabsync/internal/hub"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Override server.http_addr")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.HTTPAddr = addr
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:   %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Store:  %s\n\n", cfg.Store.PrimaryDSN)

	logger := setupLogger(cfg.Logging)
	logger.Info("starting tabsync hub",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"quota_bytes", cfg.Store.PrimaryQuotaBytes)

	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}
	return h.Run(cmd.Context())
}
