package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/temcen/prodmatch/internal/app"
	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/internal/database"
	"github.com/temcen/prodmatch/internal/services"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the catalog listing cache",
	}
	cmd.AddCommand(cacheInvalidateCmd())
	return cmd
}

// cacheInvalidateCmd drops cached listings after a catalog import or stock change.
func cacheInvalidateCmd() *cobra.Command {
	var categoryID string

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop cached product listings of a category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			category, err := uuid.Parse(categoryID)
			if err != nil {
				return fmt.Errorf("invalid --category: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := app.NewLogger(&cfg.Logging)

			db, err := database.New(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			catalog := services.NewCatalogRepository(db.PG, db.Redis, &cfg.Mapping, &cfg.Fallback, logger)
			if err := catalog.InvalidateCategory(cmd.Context(), category); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "catalog cache cleared for category %s\n", category)
			return nil
		},
	}

	cmd.Flags().StringVar(&categoryID, "category", "", "Catalog category ID")
	_ = cmd.MarkFlagRequired("category")

	return cmd
}
