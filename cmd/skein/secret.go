package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skeinlabs/skein/pkg/config"
	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/storage"
	"github.com/skeinlabs/skein/pkg/vault"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage vault-encrypted secrets",
}

// openVault loads config and opens the store and vault for one secret
// operation. Requires a master key in config or SKEIN_MASTER_KEY.
func openVault(cmd *cobra.Command) (*vault.Vault, storage.Store, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log.Init(log.Config{Level: log.ErrorLevel})

	if cfg.Vault.MasterKey == "" {
		return nil, nil, fmt.Errorf("no master key: set vault.master_key or SKEIN_MASTER_KEY")
	}
	v, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return v, store, nil
}

var secretSetCmd = &cobra.Command{
	Use:   "set NAME VALUE",
	Short: "Encrypt and store a secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, store, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := v.StoreSecret(store, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Secret '%s' stored\n", args[0])
		return nil
	},
}

var secretGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Decrypt and print a secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, store, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		value, err := v.LoadSecret(store, args[0])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	},
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secret names",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		secrets, err := store.ListSecrets()
		if err != nil {
			return err
		}
		for _, s := range secrets {
			fmt.Printf("%s\t%s\n", s.Name, s.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var secretDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openVault(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteSecret(args[0]); err != nil {
			return err
		}
		fmt.Printf("Secret '%s' deleted\n", args[0])
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	secretCmd.AddCommand(secretGetCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretDeleteCmd)
}
