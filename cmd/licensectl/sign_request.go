package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"licensecore/internal/config"
	"licensecore/internal/security"
)

var signRequestCmd = &cobra.Command{
	Use:   "sign-request",
	Short: "Print the authentication headers for a signed peer request",
	Example: `  # Sign a GET request
  licensectl sign-request --license-id LIC-001 --key ./signing-key.json \
  --method GET --path /api/peer/status

  # Sign a request with a body and pass the headers to curl
  licensectl sign-request --license-id LIC-001 --key ./signing-key.json \
  --method POST --path /api/license/validate --body ./payload.json
`,
	Args: cobra.NoArgs,
	RunE: signRequestCmdRun,
}

type signRequestFlags struct {
	licenseID string
	keyPath   string
	method    string
	path      string
	bodyPath  string
}

var signRequestArgs = signRequestFlags{
	method: http.MethodGet,
}

func init() {
	signRequestCmd.Flags().StringVar(&signRequestArgs.licenseID, "license-id", "",
		"license id to sign the request as")
	signRequestCmd.Flags().StringVarP(&signRequestArgs.keyPath, "key", "k", "",
		"path to the private key or key pair file")
	signRequestCmd.Flags().StringVarP(&signRequestArgs.method, "method", "X", signRequestArgs.method,
		"HTTP method of the request")
	signRequestCmd.Flags().StringVar(&signRequestArgs.path, "path", "",
		"request path including the leading slash")
	signRequestCmd.Flags().StringVar(&signRequestArgs.bodyPath, "body", "",
		"path to the request body, omit for requests without a body")
	rootCmd.AddCommand(signRequestCmd)
}

func signRequestCmdRun(cmd *cobra.Command, args []string) error {
	if signRequestArgs.licenseID == "" {
		return fmt.Errorf("--license-id flag is required")
	}
	if signRequestArgs.path == "" {
		return fmt.Errorf("--path flag is required")
	}

	privateKey, err := readKey(signRequestArgs.keyPath, privateKeyOf)
	if err != nil {
		return err
	}

	var digest string
	if signRequestArgs.bodyPath != "" {
		body, err := os.ReadFile(signRequestArgs.bodyPath)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		digest = security.HashBody(body)
	}

	auth, err := security.NewRequestAuthenticator(security.AuthenticatorConfig{
		LicenseID:  signRequestArgs.licenseID,
		PrivateKey: privateKey,
		Tolerance:  config.DefaultClockTolerance,
	})
	if err != nil {
		return err
	}

	headers, err := auth.SignRequest(signRequestArgs.method, signRequestArgs.path, digest)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s\n", config.DefaultAuthHeader, headers.Authorization)
	_, err = fmt.Fprintf(out, "%s: %s\n", config.DefaultTimestampHeader, headers.TimestampValue())
	return err
}
