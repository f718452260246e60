package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/WolfgangFahl/djvu-viewer/cmd/djvu/ui"
)

var initdbForce bool

var initdbCmd = &cobra.Command{
	Use:   "initdb",
	Short: "Create the catalog schema",
	Long: `Create the catalog tables and indexes on the configured backend. The
statements are idempotent; --force drops existing tables first and loses
every stored record.`,
	RunE: runInitDB,
}

func init() {
	initdbCmd.Flags().BoolVar(&initdbForce, "force", false, "drop existing tables first")
	rootCmd.AddCommand(initdbCmd)
}

func runInitDB(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if initdbForce {
		if err := store.DropSchema(ctx); err != nil {
			return fmt.Errorf("drop schema: %w", err)
		}
		ui.Info("Dropped existing catalog tables")
	}
	if err := store.InitSchema(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	ui.Success("Catalog schema ready on %s", cfg.Database.Driver)
	return nil
}
