package main

import (
	"fmt"
	"os"

	"github.com/Shugur-Network/relaypool/internal/identity"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key",
		Long:  "Generate a new secret key. With --out it is saved with owner-only permissions, otherwise printed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			force, _ := cmd.Flags().GetBool("force")

			secret := identity.Generate()
			signer, err := identity.NewKeySigner(secret)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if out == "" {
				fmt.Fprintf(w, "secret: %s\npubkey: %s\n", secret, signer.PublicKey())
				return nil
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", out)
			}
			if err := identity.Save(out, secret); err != nil {
				return err
			}
			fmt.Fprintf(w, "pubkey: %s\nsaved to %s\n", signer.PublicKey(), out)
			return nil
		},
	}
	cmd.Flags().StringP("out", "o", "", "Write the secret key to this file")
	cmd.Flags().Bool("force", false, "Overwrite an existing key file")
	return cmd
}
