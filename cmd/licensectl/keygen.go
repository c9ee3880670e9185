package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"licensecore/internal/security"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 key pair for signing licenses and requests",
	Example: `  # Generate a random key pair and write it to a file
  licensectl keygen --output ./signing-key.json

  # Derive a reproducible key pair from a shared secret
  export LICENSECTL_SECRET="$(cat /secrets/fleet-secret)"
  licensectl keygen --from-secret --info fleet-a
`,
	Args: cobra.NoArgs,
	RunE: keygenCmdRun,
}

// secretEnvVar holds the secret for --from-secret.
const secretEnvVar = "LICENSECTL_SECRET"

type keygenFlags struct {
	fromSecret bool
	info       string
	output     string
}

var keygenArgs keygenFlags

func init() {
	keygenCmd.Flags().BoolVar(&keygenArgs.fromSecret, "from-secret", false,
		"derive the key pair from the secret in "+secretEnvVar+" instead of generating a random one")
	keygenCmd.Flags().StringVar(&keygenArgs.info, "info", "licensecore",
		"context string mixed into the derivation, only used with --from-secret")
	keygenCmd.Flags().StringVarP(&keygenArgs.output, "output", "o", "",
		"path to write the key pair to, defaults to stdout")
	rootCmd.AddCommand(keygenCmd)
}

func keygenCmdRun(cmd *cobra.Command, args []string) error {
	var (
		pair security.KeyPair
		err  error
	)
	if keygenArgs.fromSecret {
		secret := os.Getenv(secretEnvVar)
		if secret == "" {
			return fmt.Errorf("%s must be set when using --from-secret", secretEnvVar)
		}
		pair, err = security.DeriveKeyPair([]byte(secret), keygenArgs.info)
	} else {
		pair, err = security.GenerateKeyPair()
	}
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(pair, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key pair: %w", err)
	}
	data = append(data, '\n')

	if keygenArgs.output == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	if err := os.WriteFile(keygenArgs.output, data, 0600); err != nil {
		return fmt.Errorf("failed to write key pair: %w", err)
	}
	rootCmd.Println(fmt.Sprintf("✔ key pair written to %s", keygenArgs.output))
	rootCmd.Println(fmt.Sprintf("✔ public key %s", pair.PublicKey))
	return nil
}
