package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"github.com/spf13/cobra"
)

// newKeygenCommand returns a command that generates a secp256k1 keypair
// for use with 'flash --pubkey' and 'sign'.
func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 keypair for signed manifestation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := btcec.NewPrivateKey(btcec.S256())
			if err != nil {
				return err
			}

			fmt.Printf("private: %s\n", hex.EncodeToString(priv.Serialize()))
			fmt.Printf("public:  %s\n", hex.EncodeToString(priv.PubKey().SerializeCompressed()))

			return nil
		},
	}
}
