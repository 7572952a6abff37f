package main

import (
	"fmt"
	"time"

	"github.com/ndvalle/mostrador/internal/server"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <operator>",
		Short: "Mint an admin API token",
		Long:  "Prints a bearer token for the admin API. The operator name is recorded on pauses, settings changes and operator messages.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, configPath, args[0], ttl)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to admin.token_ttl_min)")
	return cmd
}

func runToken(cmd *cobra.Command, configPath, operator string, ttl time.Duration) error {
	cfg, _, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = time.Duration(cfg.Admin.TokenTTLMin) * time.Minute
	}
	token, err := server.IssueToken(cfg.Admin.JWTSecret, operator, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
