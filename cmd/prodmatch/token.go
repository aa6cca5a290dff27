package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/temcen/prodmatch/internal/app"
	"github.com/temcen/prodmatch/internal/config"
	"github.com/temcen/prodmatch/internal/services"
)

func tokenCmd() *cobra.Command {
	var (
		output   string
		clientID string
		scopes   []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token for a client service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}

			auth := services.NewAuthService(&cfg.Auth, app.NewLogger(&cfg.Logging))
			token, err := auth.GenerateToken(clientID, scopes)
			if err != nil {
				return err
			}

			return writeOutput(cmd.OutOrStdout(), output, token)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputJSON, "Output format (json, yaml)")
	cmd.Flags().StringVar(&clientID, "client", "", "Client identifier stored as the token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Granted scopes (repeatable); empty grants all")
	_ = cmd.MarkFlagRequired("client")

	return cmd
}
