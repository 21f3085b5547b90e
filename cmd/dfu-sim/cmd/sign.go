package cmd

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/sha3"
)

// newSignCommand returns a command that signs a firmware image the same
// way 'flash --pubkey' will later verify it: over the full flash region
// (size bytes, 0xff-filled, image at offset 0), not just the raw image
// bytes, since that is the digest memory.FlashMemory.Manifestation checks.
func newSignCommand() *cobra.Command {
	var (
		firmwareFilename string
		regionSize       int
		keyHex           string
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a firmware image for a given flash region size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(signOptions{
				firmwareFilename: firmwareFilename,
				regionSize:       regionSize,
				keyHex:           keyHex,
			})
		},
	}

	cmd.Flags().StringVarP(&firmwareFilename, "firmware", "f", "", "Filename of the firmware image to sign")
	cmd.Flags().IntVar(&regionSize, "size", 1<<20, "Size of the target flash region (must match 'flash --size')")
	cmd.Flags().StringVar(&keyHex, "key", "", "Hex-encoded secp256k1 private key, from 'dfu-sim keygen'")

	return cmd
}

type signOptions struct {
	firmwareFilename string
	regionSize       int
	keyHex           string
}

func runSign(opts signOptions) error {
	if opts.firmwareFilename == "" {
		return errors.New("no firmware filename specified, use --firmware")
	}
	if opts.keyHex == "" {
		return errors.New("no private key specified, use --key")
	}

	image, err := os.ReadFile(opts.firmwareFilename)
	if err != nil {
		return errors.Wrap(err, "failed to read firmware image")
	}
	if len(image) > opts.regionSize {
		return errors.Errorf("image (%d bytes) exceeds region size (%d bytes)", len(image), opts.regionSize)
	}

	keyBytes, err := hex.DecodeString(opts.keyHex)
	if err != nil {
		return errors.Wrap(err, "invalid --key")
	}
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), keyBytes)

	digest := sha3.Sum256(regionOf(image, opts.regionSize))

	sig, err := priv.Sign(digest[:])
	if err != nil {
		return errors.Wrap(err, "failed to sign digest")
	}

	fmt.Println(hex.EncodeToString(sig.Serialize()))

	return nil
}

// regionOf reproduces the exact byte layout memory.FlashMemory.Manifestation
// hashes: a size-byte, 0xff-filled buffer with image copied in at offset 0.
func regionOf(image []byte, size int) []byte {
	region := bytes.Repeat([]byte{0xff}, size)
	copy(region, image)
	return region
}
