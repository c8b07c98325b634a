package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alecgard/metergate/internal/auth"
)

var (
	keygenAdmin bool
	keygenName  string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a worker API key, or an admin key with --admin",
	Long: "keygen prints a new key and the hash to put in the config. Worker keys " +
		"go under auth.worker_keys; the admin hash goes in auth.admin_key_hash. " +
		"The plaintext is shown once and never stored.",
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().BoolVar(&keygenAdmin, "admin", false, "generate an admin key with a bcrypt hash")
	keygenCmd.Flags().StringVar(&keygenName, "name", "worker", "worker name for the config snippet")
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if keygenAdmin {
		b := make([]byte, 24)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("generating admin key: %w", err)
		}
		plaintext := hex.EncodeToString(b)
		hash, err := auth.HashAdminKey(plaintext)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Admin key: %s\n\n", plaintext)
		fmt.Fprintf(out, "auth:\n  admin_key_hash: %q\n", hash)
		return nil
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}
	fmt.Fprintf(out, "Worker key: %s\n\n", plaintext)
	fmt.Fprintf(out, "auth:\n  worker_keys:\n    - name: %s\n      key_hash: %s\n", keygenName, key.Hash)
	return nil
}
