// ABOUTME: Offline maintenance commands: dump stored state, migrate legacy records
// ABOUTME: Both print JSON to stdout so the output can be piped

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/2389/tabsync/internal/migrate"
	"github.com/2389/tabsync/internal/store"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print every stored scope as JSON",
	Long:  "Reads the primary tier directly. Run it against a stopped hub or a copy of its database.",
	Args:  cobra.NoArgs,
	RunE:  runDump,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate <file|->",
	Short: "Convert a legacy state record to the canonical envelope",
	Args:  cobra.ExactArgs(1),
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(dumpCmd, migrateCmd)
	dumpCmd.Flags().String("dsn", "", "Primary tier DSN (default store.primary_dsn)")
}

func runDump(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dsn := cfg.Store.PrimaryDSN
	if flagDSN, _ := cmd.Flags().GetString("dsn"); flagDSN != "" {
		dsn = flagDSN
	}

	primary, err := store.OpenTier(dsn)
	if err != nil {
		return err
	}
	st, err := store.New(store.Options{
		Primary:          primary,
		QuotaBytes:       cfg.Store.PrimaryQuotaBytes,
		OperationTimeout: cfg.Store.OperationTimeout,
		Logger:           setupLogger(cfg.Logging),
	})
	if err != nil {
		_ = primary.Close()
		return err
	}
	defer st.Close()

	scopes, err := st.LoadAll(cmd.Context())
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), scopes)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	var (
		raw []byte
		err error
	)
	if args[0] == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("reading record: %w", err)
	}

	env, format := migrate.Migrate(raw)
	fmt.Fprintf(cmd.ErrOrStderr(), "detected format: %s\n", format)
	return writeJSON(cmd.OutOrStdout(), env)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
