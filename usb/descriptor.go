// USB descriptor support
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// Standard USB descriptor sizes, USB2.0 chapter 9.
const (
	DEVICE_LENGTH        = 18
	CONFIGURATION_LENGTH = 9
	INTERFACE_LENGTH     = 9
)

// writeLE appends each value to buf in little-endian wire order. Every
// descriptor below is a flat sequence of uint8/uint16 fields, so one
// variadic helper replaces a repeated binary.Write call per field.
func writeLE(buf *bytes.Buffer, values ...interface{}) {
	for _, v := range values {
		binary.Write(buf, binary.LittleEndian, v)
	}
}

// DeviceDescriptor is the standard USB device descriptor (USB2.0, Table
// 9-8). Every field is wire data, so Bytes can hand the whole struct to a
// single binary.Write rather than walking fields one at a time.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	bcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	VendorId          uint16
	ProductId         uint16
	Device            uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// SetDefaults fills in the descriptor header and the USB 2.0 / 64-byte
// EP0 constants; caller-specific fields (vendor/product IDs, strings) are
// left untouched.
func (d *DeviceDescriptor) SetDefaults() {
	d.Length = DEVICE_LENGTH
	d.DescriptorType = DEVICE
	d.bcdUSB = 0x0200
	d.MaxPacketSize = 64
}

// Bytes encodes the descriptor in wire order.
func (d *DeviceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ConfigurationDescriptor is the standard USB configuration descriptor
// (USB2.0, Table 9-10), together with the interfaces it carries.
// Interfaces is bookkeeping the host never sees directly: Bytes encodes
// only the 9-byte header, and the caller (Device.Configuration) appends
// each interface's own encoding after it.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []*InterfaceDescriptor
}

// SetDefaults configures a single bus-powered configuration drawing up to
// 100 mA, the USB armory gadget profile this engine targets.
func (d *ConfigurationDescriptor) SetDefaults() {
	d.Length = CONFIGURATION_LENGTH
	d.DescriptorType = CONFIGURATION
	d.ConfigurationValue = 1
	d.Attributes = 0x80
	d.MaxPower = 50
}

// AddInterface appends iface, assigning its InterfaceNumber from the
// running interface count (or, for an alternate setting, reusing the
// previous interface's number).
func (d *ConfigurationDescriptor) AddInterface(iface *InterfaceDescriptor) {
	if iface.AlternateSetting == 0 {
		iface.InterfaceNumber = d.NumInterfaces
		d.NumInterfaces += 1
	} else if d.NumInterfaces > 0 {
		iface.InterfaceNumber = d.NumInterfaces - 1
	}

	d.Interfaces = append(d.Interfaces, iface)
}

// Bytes encodes only the configuration descriptor header; interface and
// class-specific descriptors are concatenated by the caller.
func (d *ConfigurationDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	writeLE(buf,
		d.Length, d.DescriptorType, d.TotalLength, d.NumInterfaces,
		d.ConfigurationValue, d.Configuration, d.Attributes, d.MaxPower,
	)

	return buf.Bytes()
}

// InterfaceDescriptor is the standard USB interface descriptor (USB2.0,
// Table 9-12). ClassDescriptors holds any class-specific descriptors (for
// this module, the single DFU functional descriptor) a Get
// Descriptor(CONFIGURATION) reply must append right after it.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8

	ClassDescriptors [][]byte
}

// SetDefaults fills in the descriptor header. NumEndpoints is left at
// zero: the DFU interface this module serves transfers everything over
// the default control pipe and declares no endpoints of its own.
func (d *InterfaceDescriptor) SetDefaults() {
	d.Length = INTERFACE_LENGTH
	d.DescriptorType = INTERFACE
}

// Bytes encodes the interface descriptor header followed by each of its
// class-specific descriptors, in the order Get Descriptor(CONFIGURATION)
// expects them to appear.
func (d *InterfaceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	writeLE(buf,
		d.Length, d.DescriptorType, d.InterfaceNumber, d.AlternateSetting,
		d.NumEndpoints, d.InterfaceClass, d.InterfaceSubClass, d.InterfaceProtocol,
		d.Interface,
	)

	for _, classDesc := range d.ClassDescriptors {
		buf.Write(classDesc)
	}

	return buf.Bytes()
}

// StringDescriptor is the 2-byte header (USB2.0, section 9.6.7) that
// precedes the UTF-16LE payload of a string descriptor.
type StringDescriptor struct {
	Length         uint8
	DescriptorType uint8
}

// SetDefaults sets the header to its empty-payload size; callers grow
// Length by the payload size before encoding.
func (d *StringDescriptor) SetDefaults() {
	d.Length = 2
	d.DescriptorType = STRING
}

// Bytes encodes the 2-byte header only; the caller appends the payload.
func (d *StringDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	writeLE(buf, d.Length, d.DescriptorType)
	return buf.Bytes()
}

// Device collects the descriptor hierarchy and host-negotiated settings
// for one USB device, plus the class-specific Setup hook a bus driver
// invokes for requests its own standard handlers don't cover.
type Device struct {
	Descriptor     *DeviceDescriptor
	Configurations []*ConfigurationDescriptor
	Strings        [][]byte

	ConfigurationValue uint8
	AlternateSetting   uint8

	Setup SetupFunction
}

// encodeUTF16 packs s as a little-endian UTF-16 string descriptor payload
// (USB2.0, Table 9-16), without the 2-byte header.
func encodeUTF16(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := new(bytes.Buffer)

	for _, u := range units {
		binary.Write(buf, binary.LittleEndian, u)
	}

	return buf.Bytes()
}

// buildStringDescriptor wraps payload in a StringDescriptor header,
// rejecting it if the combined length would overflow the 1-byte bLength
// field.
func buildStringDescriptor(payload []byte) ([]byte, error) {
	hdr := &StringDescriptor{}
	hdr.SetDefaults()

	if total := int(hdr.Length) + len(payload); total > 255 {
		return nil, fmt.Errorf("string descriptor size (%d) cannot exceed 255", total)
	}
	hdr.Length += uint8(len(payload))

	return append(hdr.Bytes(), payload...), nil
}

// SetLanguageCodes installs String Descriptor Zero (USB2.0, Table 9-15).
// Only a single language is supported, matching every descriptor set this
// package builds. Slot 0 is reserved for it and is overwritten on repeat
// calls rather than appended.
func (d *Device) SetLanguageCodes(codes []uint16) error {
	if len(codes) > 1 {
		return errors.New("only a single language is currently supported")
	}

	buf := new(bytes.Buffer)
	for _, code := range codes {
		binary.Write(buf, binary.LittleEndian, code)
	}

	encoded, err := buildStringDescriptor(buf.Bytes())
	if err != nil {
		return err
	}

	if len(d.Strings) == 0 {
		d.Strings = append(d.Strings, encoded)
	} else {
		d.Strings[0] = encoded
	}

	return nil
}

// AddString registers s as a UTF-16LE string descriptor and returns the
// index to use in an iInterface/iProduct/... field.
func (d *Device) AddString(s string) (uint8, error) {
	encoded, err := buildStringDescriptor(encodeUTF16(s))
	if err != nil {
		return 0, err
	}

	d.Strings = append(d.Strings, encoded)

	return uint8(len(d.Strings) - 1), nil
}

// AddConfiguration appends conf and bumps the device descriptor's
// configuration count.
func (d *Device) AddConfiguration(conf *ConfigurationDescriptor) error {
	if d.Descriptor == nil {
		return errors.New("invalid device descriptor")
	}

	d.Configurations = append(d.Configurations, conf)
	d.Descriptor.NumConfigurations += 1

	return nil
}

// Configuration assembles the configuration descriptor at wIndex together
// with every interface (and its class-specific descriptors) it owns, in
// the flat buffer Get Descriptor(CONFIGURATION) returns (USB2.0, section
// 9.4.3), and fills in TotalLength to match.
func (d *Device) Configuration(wIndex uint16) ([]byte, error) {
	if int(wIndex) >= len(d.Configurations) {
		return nil, errors.New("invalid configuration index")
	}

	conf := d.Configurations[wIndex]

	body := new(bytes.Buffer)
	for _, iface := range conf.Interfaces {
		body.Write(iface.Bytes())
	}

	conf.TotalLength = uint16(int(conf.Length) + body.Len())

	out := new(bytes.Buffer)
	out.Write(conf.Bytes())
	out.Write(body.Bytes())

	return out.Bytes(), nil
}
