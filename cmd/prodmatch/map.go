package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/temcen/prodmatch/internal/app"
	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/internal/database"
	"github.com/temcen/prodmatch/internal/services"
	"github.com/temcen/prodmatch/internal/validation"
)

func mapCmd() *cobra.Command {
	var (
		output     string
		categoryID string
		sessionID  string
		persist    bool
	)

	cmd := &cobra.Command{
		Use:   "map <file|->",
		Short: "Analyze an AI response and map its candidates to catalog products",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, err := uuid.Parse(categoryID)
			if err != nil {
				return fmt.Errorf("invalid --category: %w", err)
			}

			var session uuid.UUID
			if persist {
				if session, err = uuid.Parse(sessionID); err != nil {
					return fmt.Errorf("--persist requires a valid --session: %w", err)
				}
			}

			data, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := app.NewLogger(&cfg.Logging)

			// The CLI skips the redis catalog cache.
			db, err := database.NewPostgresOnly(cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			schemas, err := validation.NewDefaultSchemaValidator()
			if err != nil {
				return err
			}

			catalog := services.NewCatalogRepository(db.PG, nil, &cfg.Mapping, &cfg.Fallback, logger)
			fallback := services.NewFallbackMatcher(catalog, &cfg.Fallback, cfg.Mapping.RelaxedSearchLimit, logger)
			mapper := services.NewProductMapper(catalog, fallback, &cfg.Mapping, logger)
			pipeline := services.NewRecommendationPipeline(
				services.NewResponseAnalyzer(schemas, &cfg.Analysis, logger),
				mapper,
				services.NewRecommendationStore(db.PG, logger),
				nil,
				cfg.Mapping.Concurrency,
				logger,
			)

			result, err := pipeline.Process(cmd.Context(), services.ProcessRequest{
				SessionID:  session,
				CategoryID: category,
				Payload:    json.RawMessage(data),
				Persist:    persist,
			})
			if err != nil && !errors.Is(err, services.ErrInvalidResponse) {
				return err
			}

			if writeErr := writeOutput(cmd.OutOrStdout(), output, result); writeErr != nil {
				return writeErr
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputJSON, "Output format (json, yaml)")
	cmd.Flags().StringVar(&categoryID, "category", "", "Catalog category ID to search")
	cmd.Flags().StringVar(&sessionID, "session", "", "Questionnaire session ID")
	cmd.Flags().BoolVar(&persist, "persist", false, "Save matched recommendations to the session")
	_ = cmd.MarkFlagRequired("category")

	return cmd
}
