package cmd

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"gopkg.in/cheggaaa/pb.v2"

	"github.com/usbarmory/tamago-dfu/dfu"
	"github.com/usbarmory/tamago-dfu/example/memory"
	"github.com/usbarmory/tamago-dfu/usb"
)

func newFlashCommand() *cobra.Command {
	var (
		firmwareFilename string
		baseAddress      uint32
		regionSize       int
		pubKeyHex        string
		signatureHex     string
	)

	cmd := &cobra.Command{
		Use:   "flash",
		Short: "Flash a firmware image through a simulated DFU session",
		Args:  cobra.NoArgs,
		Example: `dfu-sim flash --firmware image.bin
dfu-sim flash --firmware image.bin --base 0x08000000
dfu-sim flash --firmware image.bin --pubkey <hex> --signature <hex>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlash(flashOptions{
				firmwareFilename: firmwareFilename,
				baseAddress:      baseAddress,
				regionSize:       regionSize,
				pubKeyHex:        pubKeyHex,
				signatureHex:     signatureHex,
			})
		},
	}

	cmd.Flags().StringVarP(&firmwareFilename, "firmware", "f", "", "Filename of the firmware image")
	cmd.Flags().Uint32Var(&baseAddress, "base", 0x08000000, "Base address of the target flash region")
	cmd.Flags().IntVar(&regionSize, "size", 1<<20, "Size of the simulated flash region")
	cmd.Flags().StringVar(&pubKeyHex, "pubkey", "", "Hex-encoded secp256k1 public key required to authorize manifestation")
	cmd.Flags().StringVar(&signatureHex, "signature", "", "Hex-encoded signature over the flashed region, from 'dfu-sim sign'")

	return cmd
}

type flashOptions struct {
	firmwareFilename string
	baseAddress      uint32
	regionSize       int
	pubKeyHex        string
	signatureHex     string
}

func runFlash(opts flashOptions) error {
	if opts.firmwareFilename == "" {
		return errors.New("no firmware filename specified, use --firmware")
	}

	image, err := os.ReadFile(opts.firmwareFilename)
	if err != nil {
		return errors.Wrap(err, "failed to read firmware image")
	}

	pubKey, err := parseOptionalPubKey(opts.pubKeyHex)
	if err != nil {
		return errors.Wrap(err, "invalid --pubkey")
	}

	backend := memory.New(opts.baseAddress, opts.regionSize, pubKey)
	engine := dfu.New(0, 0, backend)

	if opts.signatureHex != "" {
		sig, err := hex.DecodeString(opts.signatureHex)
		if err != nil {
			return errors.Wrap(err, "invalid --signature")
		}
		backend.SetSignature(sig)
	}

	jww.INFO.Printf("flashing %d bytes to %#x\n", len(image), opts.baseAddress)

	bar := pb.ProgressBarTemplate(`{{ white "DFU:" }} {{bar . | green}} {{speed . "%s byte/s" | white }}`).Start(len(image))
	defer bar.Finish()

	if err := eraseRegion(engine); err != nil {
		return errors.Wrap(err, "erase failed")
	}

	transferSize := int(backend.Config().TransferSize)

	for offset := 0; offset < len(image); offset += transferSize {
		end := offset + transferSize
		if end > len(image) {
			end = len(image)
		}

		block := image[offset:end]
		blockNum := uint16(offset/transferSize) + 2

		if err := download(engine, blockNum, block); err != nil {
			return errors.Wrapf(err, "download of block %d failed", blockNum)
		}

		bar.SetCurrent(int64(end))
	}

	if err := leaveDfu(engine); err != nil {
		return errors.Wrap(err, "manifestation failed")
	}

	if pubKey != nil && !backend.Activated() {
		return errors.New("manifestation completed but image was not activated")
	}

	jww.INFO.Printf("firmware activated, final state: %s\n", engine.State())

	return nil
}

func parseOptionalPubKey(pubKeyHex string) (*btcec.PublicKey, error) {
	if pubKeyHex == "" {
		return nil, nil
	}

	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return nil, err
	}

	return btcec.ParsePubKey(raw, btcec.S256())
}

// eraseRegion issues an EraseAll sub-command and drives the engine
// through its busy cycle.
func eraseRegion(engine *dfu.Class) error {
	_, _, _, err := engine.Setup(&usb.SetupData{
		RequestType: 0x21,
		Request:     0x01, // DNLOAD
		Value:       0,
		Length:      1,
		Payload:     []byte{0x41}, // Erase sub-command, wLength==1 means EraseAll
	})
	if err != nil {
		return err
	}

	return pollUntilIdle(engine, dfu.DfuDnloadSync)
}

func download(engine *dfu.Class, blockNum uint16, block []byte) error {
	_, _, _, err := engine.Setup(&usb.SetupData{
		RequestType: 0x21,
		Request:     0x01, // DNLOAD
		Value:       blockNum,
		Length:      uint16(len(block)),
		Payload:     block,
	})
	if err != nil {
		return err
	}

	return pollUntilIdle(engine, dfu.DfuDnloadSync)
}

func leaveDfu(engine *dfu.Class) error {
	_, _, _, err := engine.Setup(&usb.SetupData{
		RequestType: 0x21,
		Request:     0x01, // DNLOAD
		Length:      0,
	})
	if err != nil {
		return err
	}

	return pollUntilIdle(engine, dfu.DfuManifestSync)
}

// pollUntilIdle mimics a host repeatedly issuing GETSTATUS and waiting
// out the advertised poll_timeout, while this process also plays the
// device's role and runs the deferred executor in between.
func pollUntilIdle(engine *dfu.Class, syncState dfu.State) error {
	for i := 0; i < 100; i++ {
		status, _, _, err := engine.Setup(&usb.SetupData{
			RequestType: 0xA1,
			Request:     0x03, // GETSTATUS
			Length:      6,
		})
		if err != nil {
			return errors.Errorf("GETSTATUS rejected in state %s", engine.State())
		}

		pollTimeout := time.Duration(status[1])<<0 | time.Duration(status[2])<<8 | time.Duration(status[3])<<16

		engine.Update()

		if engine.State() != syncState && engine.State() != dfu.DfuDnBusy && engine.State() != dfu.DfuManifest {
			return nil
		}

		time.Sleep(pollTimeout * time.Millisecond)
	}

	return errors.New("device did not leave busy state")
}
