package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/skybridge-dev/skybridge/internal/config"
	"github.com/skybridge-dev/skybridge/internal/instance"
)

var (
	instanceID   string
	instanceName string
)

var instanceCmd = &cobra.Command{
	Use:   "instance",
	Short: "Manage instance records",
}

var instanceCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register an instance and print its secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := sqliteStore()
		if err != nil {
			return err
		}
		defer cleanup()

		id := instanceID
		if id == "" {
			id = uuid.NewString()
		}
		secret := newSecret()
		err = store.Create(context.Background(), instance.Instance{
			ID:     id,
			Secret: secret,
			Name:   instanceName,
		})
		if err != nil {
			return err
		}
		fmt.Printf("instance id: %s\n", id)
		fmt.Printf("instance secret: %s\n", secret)
		fmt.Println("save the secret; it is not recoverable")
		return nil
	},
}

var instanceRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate an instance's secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if instanceID == "" {
			return fmt.Errorf("--id is required")
		}
		store, cleanup, err := sqliteStore()
		if err != nil {
			return err
		}
		defer cleanup()

		secret := newSecret()
		if err := store.RotateSecret(context.Background(), instanceID, secret); err != nil {
			return err
		}
		fmt.Printf("new instance secret: %s\n", secret)
		return nil
	},
}

func sqliteStore() (*instance.SQLiteStore, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.SQLitePath == "" {
		return nil, nil, fmt.Errorf("database.sqlite_path must be set to manage instances")
	}
	s, err := instance.OpenSQLite(cfg.Database.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}

func newSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func init() {
	instanceCmd.PersistentFlags().StringVar(&instanceID, "id", "", "instance id")
	instanceCreateCmd.Flags().StringVar(&instanceName, "name", "", "display name")
	instanceCmd.AddCommand(instanceCreateCmd)
	instanceCmd.AddCommand(instanceRotateCmd)
}
