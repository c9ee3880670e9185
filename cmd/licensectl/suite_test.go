package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"licensecore/internal/security"
)

// executeCommand runs the CLI with args and returns the combined output.
func executeCommand(args []string) (string, error) {
	defer resetCmdArgs()

	buf := new(bytes.Buffer)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)

	err := rootCmd.Execute()
	return buf.String(), err
}

// resetCmdArgs restores every flag struct so tests do not leak into each other.
func resetCmdArgs() {
	rootArgs = rootFlags{timeout: rootArgs.timeout}
	keygenArgs = keygenFlags{info: "licensecore"}
	signArgs = signFlags{}
	verifyArgs = verifyFlags{}
	statusArgs = statusFlags{}
	signRequestArgs = signRequestFlags{method: "GET"}
}

// writeKeyPair runs keygen into dir and returns the file path and the pair.
func writeKeyPair(t *testing.T, dir string) (string, security.KeyPair) {
	t.Helper()

	path := filepath.Join(dir, "signing-key.json")
	_, err := executeCommand([]string{"keygen", "--output", path})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var pair security.KeyPair
	require.NoError(t, json.Unmarshal(data, &pair))
	return path, pair
}
