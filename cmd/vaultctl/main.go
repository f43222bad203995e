// Command vaultctl is the operator CLI of the content vault. It works
// directly against the configured repository and blob store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/tendant/content-vault/pkg/vault"
)

func main() {
	_ = godotenv.Load()

	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", vault.Classify(err), err)
		}
		os.Exit(vault.Classify(err).ExitCode())
	}
}
