package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/taskrelay/internal/config"
	"github.com/dohr-michael/taskrelay/internal/secrets"
)

// NewSecretCommand returns the secret subcommand.
func NewSecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Manage encrypted secrets",
		Commands: []*cli.Command{
			{
				Name:      "encrypt",
				Usage:     "Encrypt a value for use in config.jsonc",
				ArgsUsage: "<value>",
				Action:    runSecretEncrypt,
			},
			{
				Name:      "set",
				Usage:     "Store a plaintext secret in .env",
				ArgsUsage: "<name> <value>",
				Action:    runSecretSet,
			},
		},
	}
}

func runSecretEncrypt(_ context.Context, cmd *cli.Command) error {
	plaintext := cmd.Args().First()
	if plaintext == "" {
		return fmt.Errorf("usage: taskrelay secret encrypt <value>")
	}

	keyPath := secrets.KeyPath()
	if err := secrets.GenerateIdentity(keyPath); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	identity, err := secrets.LoadIdentity(keyPath)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	blob, err := secrets.Encrypt(plaintext, identity.Recipient())
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	fmt.Println(blob)
	return nil
}

func runSecretSet(_ context.Context, cmd *cli.Command) error {
	name := cmd.Args().Get(0)
	value := cmd.Args().Get(1)
	if name == "" || value == "" {
		return fmt.Errorf("usage: taskrelay secret set <name> <value>")
	}

	// Encrypted blobs are resolved at daemon startup; plaintext goes
	// straight into .env.
	if secrets.IsEncrypted(value) {
		identity, err := secrets.LoadIdentity(secrets.KeyPath())
		if err != nil {
			return fmt.Errorf("load key: %w", err)
		}
		value, err = secrets.Decrypt(value, identity)
		if err != nil {
			return fmt.Errorf("decrypt: %w", err)
		}
	}

	if err := secrets.SetEntry(config.DotenvPath(), name, value); err != nil {
		return fmt.Errorf("write .env: %w", err)
	}

	fmt.Printf("Secret %s stored.\n", name)
	return nil
}
