package main

import (
	"fmt"

	"example.com/labeler/internal/signing"
	"github.com/spf13/cobra"
)

func keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 signing key",
		Args:  cobra.NoArgs,
		// No config is needed to make a key.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := signing.GenerateSigner()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "MOD_SERVICE_SIGNING_KEY=%s\n", s.ExportHex())
			fmt.Fprintf(out, "# did:key %s\n", s.DIDKey())
			return nil
		},
	}
}
