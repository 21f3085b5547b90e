// DFU file suffix decoding
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package suffix decodes the fixed 16-byte DFU file suffix trailer
// (DFU 1.1a, section 7.3.5). It is a standalone, protocol-independent
// decoder: no engine in package dfu consults it.
package suffix

import (
	"encoding/binary"
	"errors"
)

// Length is the fixed size, in bytes, of a DFU file suffix.
const Length = 16

// Signature is the expected dfu_signature field, "DFU" reversed.
var Signature = [3]byte{'U', 'F', 'D'}

// Suffix is the trailer appended to a DFU firmware image.
type Suffix struct {
	// CRC is the CRC32 checksum of the file with this field zeroed.
	CRC uint32
	// Length is the length of this suffix, normally 16.
	Length uint8
	// DfuSignature must equal Signature.
	DfuSignature [3]byte
	// DfuSpecification is the BCD DFU specification number.
	DfuSpecification uint16
	// UsbVendor is the USB vendor identifier, or 0xffff if unused.
	UsbVendor uint16
	// UsbProduct is the USB product identifier, or 0xffff if unused.
	UsbProduct uint16
	// Device is the BCD firmware release or version number.
	Device uint16
}

// Decode parses a 16-byte DFU suffix trailer.
func Decode(b []byte) (*Suffix, error) {
	if len(b) != Length {
		return nil, errors.New("suffix: invalid length")
	}

	s := &Suffix{
		CRC:              binary.LittleEndian.Uint32(b[0:4]),
		Length:           b[4],
		DfuSignature:     [3]byte{b[5], b[6], b[7]},
		DfuSpecification: binary.LittleEndian.Uint16(b[8:10]),
		UsbVendor:        binary.LittleEndian.Uint16(b[10:12]),
		UsbProduct:       binary.LittleEndian.Uint16(b[12:14]),
		Device:           binary.LittleEndian.Uint16(b[14:16]),
	}

	return s, nil
}

// Valid reports whether the suffix carries the expected DFU signature.
func (s *Suffix) Valid() bool {
	return s.DfuSignature == Signature
}
