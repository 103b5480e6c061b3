package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/skybridge-dev/skybridge/internal/config"
	"github.com/skybridge-dev/skybridge/internal/token"
)

var tokenInstanceID string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a relay token for an instance",
	Long: `Mints a signed, time-limited relay token for the extension role.
Stand-in for the dashboard's token endpoint when testing by hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenInstanceID == "" {
			return fmt.Errorf("--instance is required")
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		codec := token.NewCodec(cfg.Auth.TokenSecret, token.WithValidity(cfg.TokenValidity()))
		tok := codec.Generate(tokenInstanceID, time.Now())
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenInstanceID, "instance", "", "instance id to bind the token to")
}
