package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"licensecore/internal/security"
	"licensecore/pkg/contracts"
)

var rootCmd = &cobra.Command{
	Use:               "licensectl",
	Version:           contracts.Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	Short:             "Manage signing keys, license files and signed peer requests",
}

type rootFlags struct {
	timeout time.Duration
}

var rootArgs = rootFlags{
	timeout: time.Minute,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&rootArgs.timeout, "timeout", rootArgs.timeout,
		"The length of time to wait before giving up on the current operation.")
	rootCmd.SetOut(os.Stdout)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrf("✗ %v\n", err)
		os.Exit(1)
	}
}

// readKey loads a key from path. The file is either a key pair written by
// keygen or a bare base64 key; pick selects the half to use from a key pair.
func readKey(path string, pick func(security.KeyPair) string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("key file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read key file: %w", err)
	}

	var pair security.KeyPair
	if err := json.Unmarshal(data, &pair); err == nil {
		if key := pick(pair); key != "" {
			return key, nil
		}
		return "", fmt.Errorf("key file %s does not hold the requested key", path)
	}

	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("key file %s is empty", path)
	}
	return key, nil
}

func privateKeyOf(p security.KeyPair) string { return p.PrivateKey }

func publicKeyOf(p security.KeyPair) string { return p.PublicKey }
