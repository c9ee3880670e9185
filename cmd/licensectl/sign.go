package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"licensecore/internal/license"
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a license document",
	Example: `  # Sign a license with the private key from keygen
  licensectl sign --key ./signing-key.json --in ./license.json --out ./license.signed.json
`,
	Args: cobra.NoArgs,
	RunE: signCmdRun,
}

type signFlags struct {
	keyPath string
	in      string
	out     string
}

var signArgs signFlags

func init() {
	signCmd.Flags().StringVarP(&signArgs.keyPath, "key", "k", "",
		"path to the private key or key pair file")
	signCmd.Flags().StringVar(&signArgs.in, "in", "",
		"path to the unsigned license document")
	signCmd.Flags().StringVar(&signArgs.out, "out", "",
		"path to write the signed license to, defaults to stdout")
	rootCmd.AddCommand(signCmd)
}

func signCmdRun(cmd *cobra.Command, args []string) error {
	if signArgs.in == "" {
		return fmt.Errorf("--in flag is required")
	}

	privateKey, err := readKey(signArgs.keyPath, privateKeyOf)
	if err != nil {
		return err
	}
	codec, err := license.NewSigningCodec(privateKey)
	if err != nil {
		return fmt.Errorf("failed to load private key: %w", err)
	}

	payload, err := os.ReadFile(signArgs.in)
	if err != nil {
		return fmt.Errorf("failed to read license document: %w", err)
	}
	signed, err := codec.Sign(payload)
	if err != nil {
		return fmt.Errorf("failed to sign license: %w", err)
	}
	signed = append(signed, '\n')

	if signArgs.out == "" {
		_, err = cmd.OutOrStdout().Write(signed)
		return err
	}
	if err := os.WriteFile(signArgs.out, signed, 0644); err != nil {
		return fmt.Errorf("failed to write signed license: %w", err)
	}
	rootCmd.Println(fmt.Sprintf("✔ license signed and written to %s", signArgs.out))
	return nil
}
