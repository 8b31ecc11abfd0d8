// ABOUTME: Client-side commands against a running hub: health and watch
// ABOUTME: watch joins a scope as a read-only tab and prints every change

package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/tabsync/internal/broadcast"
	"github.com/2389/tabsync/internal/hub"
	"github.com/2389/tabsync/internal/tabsync"
	"github.com/2389/tabsync/internal/window"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check hub health",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

var watchCmd = &cobra.Command{
	Use:   "watch [scope]",
	Short: "Follow the windows of a scope live",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(healthCmd, watchCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := hub.NewClient(cfg.Server.HubURL).Health(cmd.Context()); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "healthy")
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)

	resolver := window.ScopeResolver{DefaultID: cfg.Scopes.DefaultID, PrivatePrefix: cfg.Scopes.PrivatePrefix}
	var raw string
	if len(args) == 1 {
		raw = args[0]
	}
	scope := resolver.Resolve(raw)

	transport := broadcast.NewRemoteTransport(cfg.Server.HubURL, logger)
	defer transport.Close()

	out := cmd.OutOrStdout()
	coord, err := tabsync.New(
		tabsync.TabContext{TabID: "watch-" + uuid.NewString(), Scope: scope},
		tabsync.Options{
			Authority:      hub.NewClient(cfg.Server.HubURL),
			Transport:      transport,
			Logger:         logger,
			ReconnectDelay: cfg.Sync.ReconnectDelay,
			RetryInterval:  cfg.Sync.RetryInterval,
			DedupeTTL:      cfg.Sync.DedupeTTL,
			OnChange: func(ws []window.Window) {
				printWindows(out, scope, ws)
			},
		},
	)
	if err != nil {
		return err
	}
	if err := coord.Start(cmd.Context()); err != nil {
		return err
	}
	printWindows(out, scope, coord.Snapshot())

	<-cmd.Context().Done()
	return coord.Shutdown(context.Background())
}

func printWindows(w io.Writer, scope window.Scope, ws []window.Window) {
	header := color.New(color.FgCyan, color.Bold)
	gray := color.New(color.FgHiBlack)

	header.Fprintf(w, "%s (%s): %d window(s)\n", scope.ID, scope.Kind, len(ws))
	for _, win := range ws {
		var flags []string
		if win.Minimized {
			flags = append(flags, "minimized")
		}
		if win.PinnedToURL != "" {
			flags = append(flags, "pinned:"+win.PinnedToURL)
		}
		if win.Ephemeral {
			flags = append(flags, "ephemeral")
		}
		fmt.Fprintf(w, "  %s z=%d %dx%d@%d,%d %s",
			win.ID, win.ZIndex, win.Size.Width, win.Size.Height, win.Position.Left, win.Position.Top, win.URL)
		if len(flags) > 0 {
			gray.Fprintf(w, " [%s]", strings.Join(flags, " "))
		}
		fmt.Fprintln(w)
	}
}
