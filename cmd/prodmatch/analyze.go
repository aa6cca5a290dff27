package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/temcen/prodmatch/internal/app"
	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/internal/services"
	"github.com/temcen/prodmatch/internal/validation"
)

func analyzeCmd() *cobra.Command {
	var (
		output string
		strict bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <file|->",
		Short: "Normalize an AI response and report its quality",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := app.NewLogger(&cfg.Logging)

			data, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			schemas, err := validation.NewDefaultSchemaValidator()
			if err != nil {
				return err
			}

			analyzer := services.NewResponseAnalyzer(schemas, &cfg.Analysis, logger)
			result := analyzer.Analyze(json.RawMessage(data))

			if err := writeOutput(cmd.OutOrStdout(), output, result); err != nil {
				return err
			}
			if strict && !result.IsValid {
				return fmt.Errorf("response is not valid (quality score %.2f)", result.QualityScore)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputJSON, "Output format (json, yaml)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when the response is not valid")

	return cmd
}
