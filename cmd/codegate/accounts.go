package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/MrEthical07/codegate/accounts"
	"github.com/MrEthical07/codegate/password"
	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the reference account store",
}

// accounts create

var (
	accountsCreateEmail    string
	accountsCreatePassword string
)

var accountsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an unconfirmed account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if accountsCreateEmail == "" || accountsCreatePassword == "" {
			return errors.New("--email and --password are required")
		}

		store, closeDB, err := openAccountStore()
		if err != nil {
			return err
		}
		defer closeDB()

		id, err := store.Create(cmd.Context(), accountsCreateEmail, accountsCreatePassword)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"id": id})
	},
}

// accounts show

var accountsShowID string

var accountsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show an account by id",
	RunE: func(cmd *cobra.Command, args []string) error {
		if accountsShowID == "" {
			return errors.New("--id is required")
		}

		store, closeDB, err := openAccountStore()
		if err != nil {
			return err
		}
		defer closeDB()

		account, err := store.Get(cmd.Context(), accountsShowID)
		if err != nil {
			return err
		}
		return printJSON(account)
	},
}

func openAccountStore() (*accounts.Store, func(), error) {
	cfg, _, err := loadConfig("accounts")
	if err != nil {
		return nil, nil, err
	}
	db, err := accounts.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	hasher, err := password.NewHasher(password.DefaultConfig())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return accounts.NewStore(db, hasher), func() { db.Close() }, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	accountsCreateCmd.Flags().StringVar(&accountsCreateEmail, "email", "", "account email")
	accountsCreateCmd.Flags().StringVar(&accountsCreatePassword, "password", "", "initial password")
	accountsShowCmd.Flags().StringVar(&accountsShowID, "id", "", "account id")

	accountsCmd.AddCommand(accountsCreateCmd, accountsShowCmd)
	rootCmd.AddCommand(accountsCmd)
}
