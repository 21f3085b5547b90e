// Reference in-memory DFU backend
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package memory implements a reference dfu.Backend backed by a plain RAM
// buffer, for testing the protocol engine and for board bring-up before a
// real flash driver exists.
package memory

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"golang.org/x/crypto/sha3"

	"github.com/usbarmory/tamago-dfu/dfu"
)

// PageSize is the erase granularity of the simulated region.
const PageSize = 256

// FlashMemory is a dfu.Backend over a fixed-size byte slice. Manifestation
// gates firmware activation on a secp256k1 signature over the image
// digest, matching what a real bootloader checks before trusting a
// downloaded image; the reference Rust backend this is grounded on always
// accepts any image, which is not something a production device would do.
type FlashMemory struct {
	cfg dfu.Config

	region     []byte
	writeBuf   []byte
	activated  bool
	signature  []byte
	signingKey *btcec.PublicKey
}

// New constructs a FlashMemory of the given size at the given base
// address. signingKey, if non-nil, is the public key Manifestation
// verifies the firmware signature against; a nil key disables the check
// (Manifestation always succeeds), matching the reference crate's
// unconditional-success example.
func New(base uint32, size int, signingKey *btcec.PublicKey) *FlashMemory {
	cfg := dfu.Config{
		InitialAddressPointer: base,
		MemInfoString:         memInfoString(base, size),
		HasDownload:           true,
		HasUpload:             true,
		ManifestationTolerant: true,
		ProgramTimeMS:         8,
		EraseTimeMS:           50,
		FullEraseTimeMS:       50,
		ManifestationTimeMS:   1,
		TransferSize:          64,
	}
	cfg.SetDefaults()

	return &FlashMemory{
		cfg:        cfg,
		region:     bytes.Repeat([]byte{0xff}, size),
		signingKey: signingKey,
	}
}

func memInfoString(base uint32, size int) string {
	pages := size / PageSize
	return fmt.Sprintf("@Flash/0x%08x/%d*%dg", base, pages, PageSize)
}

// Config implements dfu.Backend.
func (m *FlashMemory) Config() dfu.Config {
	return m.cfg
}

// StoreWriteBuffer implements dfu.Backend.
func (m *FlashMemory) StoreWriteBuffer(src []byte) error {
	m.writeBuf = append([]byte(nil), src...)
	return nil
}

// Read implements dfu.Backend.
func (m *FlashMemory) Read(address uint32, length int) ([]byte, error) {
	offset := int(address) - int(m.cfg.InitialAddressPointer)

	if offset < 0 || offset > len(m.region) {
		return nil, dfu.MemoryErrAddress
	}

	end := offset + length
	if end > len(m.region) {
		end = len(m.region)
	}

	return append([]byte(nil), m.region[offset:end]...), nil
}

// Program implements dfu.Backend.
func (m *FlashMemory) Program(address uint32, length int) error {
	offset := int(address) - int(m.cfg.InitialAddressPointer)

	if offset < 0 || offset+length > len(m.region) {
		return dfu.MemoryErrAddress
	}

	if length > len(m.writeBuf) {
		return dfu.MemoryErrWrite
	}

	copy(m.region[offset:offset+length], m.writeBuf[:length])

	return nil
}

// Erase implements dfu.Backend: it erases the page containing address.
func (m *FlashMemory) Erase(address uint32) error {
	offset := int(address) - int(m.cfg.InitialAddressPointer)

	if offset < 0 || offset >= len(m.region) {
		return dfu.MemoryErrAddress
	}

	page := (offset / PageSize) * PageSize
	end := page + PageSize
	if end > len(m.region) {
		end = len(m.region)
	}

	for i := page; i < end; i++ {
		m.region[i] = 0xff
	}

	return nil
}

// EraseAll implements dfu.Backend.
func (m *FlashMemory) EraseAll() error {
	for i := range m.region {
		m.region[i] = 0xff
	}

	return nil
}

// SetSignature records the secp256k1 ECDSA signature over the firmware
// digest, supplied out-of-band (e.g. appended to the DFU suffix) before
// the host issues the final DNLOAD(wLength=0) that triggers manifestation.
func (m *FlashMemory) SetSignature(sig []byte) {
	m.signature = sig
}

// Manifestation implements dfu.Backend. When a signing key was configured
// at construction, the image's SHA3-256 digest must verify against the
// signature recorded by SetSignature; otherwise manifestation always
// succeeds.
func (m *FlashMemory) Manifestation() error {
	if m.signingKey == nil {
		m.activated = true
		return nil
	}

	if len(m.signature) == 0 {
		return dfu.ManifestationErrFile
	}

	digest := sha3.Sum256(m.region)

	sig, err := btcec.ParseSignature(m.signature, btcec.S256())
	if err != nil {
		return dfu.ManifestationErrFirmware
	}

	if !sig.Verify(digest[:], m.signingKey) {
		return dfu.ManifestationErrFirmware
	}

	m.activated = true

	return nil
}

// USBReset implements dfu.Backend. A real bootloader would jump to
// application firmware here once activated; the reference backend has no
// application to jump to, so it does nothing; the reset is not recorded.
func (m *FlashMemory) USBReset() {}

// Activated reports whether Manifestation has accepted and activated an
// image.
func (m *FlashMemory) Activated() bool {
	return m.activated
}
