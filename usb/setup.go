// USB control-pipe setup support
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usb models the USB control-pipe surface a class driver plugs
// into: setup packets, standard descriptor types and the SetupFunction
// hook a bus driver invokes for class-specific requests. It fixes the
// shape of that boundary without implementing an actual bus driver —
// the endpoint hardware and transfer engine are supplied externally.
package usb

import "encoding/binary"

// Format of Setup Data (p276, Table 9-2, USB2.0)
const (
	REQUEST_TYPE_DIR        = 7
	REQUEST_TYPE_TYPE_SHIFT = 5
	REQUEST_TYPE_TYPE_MASK  = 0x3
	REQUEST_TYPE_RECIPIENT  = 0x1f
)

// Request direction (p276, Table 9-2, USB2.0)
const (
	OUT = 0
	IN  = 1
)

// Request type (bmRequestType bits 6..5, p276, Table 9-2, USB2.0)
const (
	REQUEST_TYPE_STANDARD = 0
	REQUEST_TYPE_CLASS    = 1
	REQUEST_TYPE_VENDOR   = 2
)

// Request recipient (bmRequestType bits 4..0, p276, Table 9-2, USB2.0)
const (
	RECIPIENT_DEVICE    = 0
	RECIPIENT_INTERFACE = 1
	RECIPIENT_ENDPOINT  = 2
	RECIPIENT_OTHER     = 3
)

// Descriptor types (p279, Table 9-5, USB2.0)
const (
	DEVICE                    = 1
	CONFIGURATION             = 2
	STRING                    = 3
	INTERFACE                 = 4
	ENDPOINT                  = 5
	DEVICE_QUALIFIER          = 6
	OTHER_SPEED_CONFIGURATION = 7
	INTERFACE_POWER           = 8
	INTERFACE_ASSOCIATION     = 11
)

// SetupData implements
// p276, Table 9-2. Format of Setup Data, USB2.0.
type SetupData struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16

	// Payload carries the OUT data stage for host-to-device requests.
	// Real control-pipe hardware fills this from the endpoint buffer
	// before invoking a SetupFunction; it is unused for IN requests.
	Payload []byte
}

// Direction returns the transfer direction encoded in bmRequestType.
func (s *SetupData) Direction() int {
	return int((s.RequestType >> REQUEST_TYPE_DIR) & 1)
}

// Type returns the request type (standard/class/vendor) encoded in
// bmRequestType.
func (s *SetupData) Type() int {
	return int((s.RequestType >> REQUEST_TYPE_TYPE_SHIFT) & REQUEST_TYPE_TYPE_MASK)
}

// Recipient returns the request recipient encoded in bmRequestType.
func (s *SetupData) Recipient() int {
	return int(s.RequestType & REQUEST_TYPE_RECIPIENT)
}

// InterfaceNumber returns wIndex as an interface number, valid only when
// Recipient() == RECIPIENT_INTERFACE.
func (s *SetupData) InterfaceNumber() uint8 {
	return uint8(s.Index & 0xff)
}

// Bytes encodes the setup packet in wire order, used by test harnesses that
// exercise a SetupFunction directly without a real control pipe.
func (s *SetupData) Bytes() []byte {
	buf := make([]byte, 8)
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return buf
}

// SetupFunction represents the function to process class-specific setup
// requests.
//
// The function is invoked before standard setup handlers and is expected to
// return an `in` buffer for transmission on IN endpoint 0, the `ack` boolean
// can be used to signal whether a zero length packet should be sent (true)
// in case the `in` buffer returned empty.
//
// A non-nil `err` results in a stall. The `done` flag can be used to signal
// whether standard setup handlers should be invoked (false) or not (true)
// if the function returns with a non-nil error.
type SetupFunction func(setup *SetupData) (in []byte, ack bool, done bool, err error)
