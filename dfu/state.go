// Device Firmware Upgrade protocol engine
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dfu implements the device side of the USB Device Firmware
// Upgrade protocol (DFU 1.1a), as refined by the ST AN3156 extensions
// that add address-pointer, erase and read-unprotect sub-commands to
// the standard DOWNLOAD request.
//
// The package owns only the protocol state machine: it is driven by a
// usb.SetupFunction plugged into a control pipe, and delegates every
// actual read, erase, program and firmware-activation operation to a
// Backend supplied by the caller.
package dfu

// State is one of the eleven states of the DFU state machine (DFU 1.1a,
// Table A.3).
type State uint8

const (
	// AppIdle and AppDetach are defined for completeness; this engine
	// is always constructed directly in DfuIdle and never enters them.
	AppIdle State = iota
	AppDetach
	DfuIdle
	DfuDnloadSync
	DfuDnBusy
	DfuDnloadIdle
	DfuManifestSync
	DfuManifest
	DfuManifestWaitReset
	DfuUploadIdle
	DfuError
)

func (s State) String() string {
	switch s {
	case AppIdle:
		return "appIdle"
	case AppDetach:
		return "appDetach"
	case DfuIdle:
		return "dfuIdle"
	case DfuDnloadSync:
		return "dfuDnloadSync"
	case DfuDnBusy:
		return "dfuDnBusy"
	case DfuDnloadIdle:
		return "dfuDnloadIdle"
	case DfuManifestSync:
		return "dfuManifestSync"
	case DfuManifest:
		return "dfuManifest"
	case DfuManifestWaitReset:
		return "dfuManifestWaitReset"
	case DfuUploadIdle:
		return "dfuUploadIdle"
	case DfuError:
		return "dfuError"
	default:
		return "unknown"
	}
}

// StatusCode is one of the sixteen DFU status codes (DFU 1.1a, Table A.2).
type StatusCode uint8

const (
	Ok             StatusCode = 0x00
	ErrTarget      StatusCode = 0x01
	ErrFile        StatusCode = 0x02
	ErrWrite       StatusCode = 0x03
	ErrErase       StatusCode = 0x04
	ErrCheckErased StatusCode = 0x05
	ErrProg        StatusCode = 0x06
	ErrVerify      StatusCode = 0x07
	ErrAddress     StatusCode = 0x08
	ErrNotdone     StatusCode = 0x09
	ErrFirmware    StatusCode = 0x0A
	ErrVendor      StatusCode = 0x0B
	ErrUsbr        StatusCode = 0x0C
	ErrPOR         StatusCode = 0x0D
	ErrUnknown     StatusCode = 0x0E
	ErrStalledPkt  StatusCode = 0x0F
)

func (s StatusCode) String() string {
	switch s {
	case Ok:
		return "OK"
	case ErrTarget:
		return "errTarget"
	case ErrFile:
		return "errFile"
	case ErrWrite:
		return "errWrite"
	case ErrErase:
		return "errErase"
	case ErrCheckErased:
		return "errCheckErased"
	case ErrProg:
		return "errProg"
	case ErrVerify:
		return "errVerify"
	case ErrAddress:
		return "errAddress"
	case ErrNotdone:
		return "errNotdone"
	case ErrFirmware:
		return "errFirmware"
	case ErrVendor:
		return "errVendor"
	case ErrUsbr:
		return "errUsbr"
	case ErrPOR:
		return "errPOR"
	case ErrUnknown:
		return "errUnknown"
	case ErrStalledPkt:
		return "errStalledPkt"
	default:
		return "unknown"
	}
}

// downloadCommand is a DNLOAD sub-command opcode (wValue == 0).
type downloadCommand uint8

const (
	getCommands       downloadCommand = 0x00
	setAddressPointer downloadCommand = 0x21
	erase             downloadCommand = 0x41
	readUnprotect     downloadCommand = 0x92
)

// commandKind identifies a staged or pending command.
type commandKind int

const (
	cmdNone commandKind = iota
	cmdEraseAll
	cmdErase
	cmdSetAddressPointer
	cmdReadUnprotect
	cmdWriteMemory
	cmdLeaveDfu
)

// command is a staged or pending engine command, carrying whichever
// payload its kind requires.
type command struct {
	kind     commandKind
	addr     uint32
	blockNum uint16
	len      uint16
}

var noCommand = command{kind: cmdNone}
