// Command shinobu-vault manages the encrypted token vault from the
// terminal.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shinobu-chat/shinobu/internal/config"
	"github.com/shinobu-chat/shinobu/internal/logger"
	"github.com/shinobu-chat/shinobu/internal/secrets"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "shinobu-vault",
		Short: "Manage the bridge's encrypted token vault",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.toml")

	root.AddCommand(listCmd(&cfgPath))
	root.AddCommand(addCmd(&cfgPath))
	root.AddCommand(replaceCmd(&cfgPath))
	root.AddCommand(deleteCmd(&cfgPath))
	root.AddCommand(rotateCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openVault(cfgPath string) (*secrets.Vault, string, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	password, err := promptSecret("Password")
	if err != nil {
		return nil, "", err
	}
	vault, err := secrets.OpenVault(secrets.VaultOptions{
		Path:     cfg.Secrets.VaultPath,
		Password: password,
		Logger:   logger.L,
	})
	if err != nil {
		return nil, "", err
	}
	if !vault.TestDecrypt("") {
		return nil, "", secrets.ErrBadPassword
	}
	return vault, password, nil
}

// promptSecret reads a line without echoing it. Falls back to the
// SHINOBU_PASSWORD environment variable for the vault password when the
// session is not interactive.
func promptSecret(label string) (string, error) {
	if label == "Password" {
		if pw := os.Getenv("SHINOBU_PASSWORD"); pw != "" {
			return pw, nil
		}
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("interactive terminal required")
	}
	fmt.Fprintf(os.Stderr, "%s: ", label)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return "", errors.New("empty input")
	}
	return value, nil
}

func listCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored token identifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, _, err := openVault(*cfgPath)
			if err != nil {
				return err
			}
			ids := vault.Identifiers()
			if len(ids) == 0 {
				fmt.Println("vault is empty")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			if vault.NeedsReencryption() {
				fmt.Fprintln(os.Stderr, "warning: vault uses an outdated key derivation profile, run rotate")
			}
			return nil
		},
	}
}

func addCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "add <identifier>",
		Short: "Store a new token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, _, err := openVault(*cfgPath)
			if err != nil {
				return err
			}
			value, err := promptSecret("Token")
			if err != nil {
				return err
			}
			if err := vault.Add(args[0], value); err != nil {
				return err
			}
			fmt.Printf("stored %q\n", args[0])
			return nil
		},
	}
}

func replaceCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replace <identifier>",
		Short: "Overwrite an existing token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, password, err := openVault(*cfgPath)
			if err != nil {
				return err
			}
			value, err := promptSecret("Token")
			if err != nil {
				return err
			}
			if err := vault.Replace(args[0], value, password); err != nil {
				return err
			}
			fmt.Printf("replaced %q\n", args[0])
			return nil
		},
	}
}

func deleteCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <identifier>",
		Short: "Remove a stored token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, password, err := openVault(*cfgPath)
			if err != nil {
				return err
			}
			if err := vault.Delete(args[0], password); err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
}

func rotateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt every record under a new password",
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, password, err := openVault(*cfgPath)
			if err != nil {
				return err
			}
			next, err := promptSecret("New password")
			if err != nil {
				return err
			}
			confirm, err := promptSecret("Confirm new password")
			if err != nil {
				return err
			}
			if next != confirm {
				return errors.New("passwords do not match")
			}
			if err := vault.Reencrypt(password, next); err != nil {
				return err
			}
			fmt.Println("vault re-encrypted")
			return nil
		},
	}
}
