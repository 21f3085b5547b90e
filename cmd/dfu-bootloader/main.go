// dfu-bootloader wires the DFU protocol engine into a board's USB control
// pipe. It is a composition example, not a complete bootloader: the actual
// endpoint hardware and interrupt-driven transfer engine are supplied by a
// board's own USB bus driver, which is out of scope here (see the protocol
// engine's own package for the bus-driver boundary it expects).
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
//
// +build tamago,arm

package main

import (
	"github.com/usbarmory/tamago-dfu/dfu"
	"github.com/usbarmory/tamago-dfu/example/memory"
	"github.com/usbarmory/tamago-dfu/usb"
)

// configureDFUDevice composes the standard and DFU-specific descriptors for
// a single-interface DFU device and plugs engine.Setup into the control
// pipe, following the same device/configuration/interface composition
// idiom used for Gadget Zero. The backend's MemInfoString is registered as
// a string descriptor first so the engine can be constructed with the slot
// GetString actually serves.
func configureDFUDevice(device *usb.Device, backend dfu.Backend) *dfu.Class {
	device.SetLanguageCodes([]uint16{0x0409})

	device.Descriptor = &usb.DeviceDescriptor{}
	device.Descriptor.SetDefaults()
	device.Descriptor.DeviceClass = 0x00
	device.Descriptor.VendorId = 0x0525
	device.Descriptor.ProductId = 0xa4a0
	device.Descriptor.Device = 0x0001

	iManufacturer, _ := device.AddString(`WithSecure`)
	device.Descriptor.Manufacturer = iManufacturer

	iProduct, _ := device.AddString(`DFU Bootloader`)
	device.Descriptor.Product = iProduct

	iMemInfo, _ := device.AddString(backend.Config().MemInfoString)
	engine := dfu.New(0, iMemInfo, backend)

	conf := &usb.ConfigurationDescriptor{}
	conf.SetDefaults()
	conf.ConfigurationValue = 1

	iConfiguration, _ := device.AddString(`DFU mode`)
	conf.Configuration = iConfiguration

	iface := &usb.InterfaceDescriptor{}
	iface.SetDefaults()

	class, subclass, protocol, iInterfaceIndex := engine.InterfaceDescriptor()
	iface.InterfaceClass = class
	iface.InterfaceSubClass = subclass
	iface.InterfaceProtocol = protocol
	iface.Interface = iInterfaceIndex
	iface.ClassDescriptors = [][]byte{engine.FunctionalDescriptor()}

	conf.AddInterface(iface)

	device.AddConfiguration(conf)

	device.Setup = engine.Setup

	return engine
}

// newDFUDevice builds a device and its bound engine over the given backend.
// A board's own main calls this with its real flash driver in place of the
// in-memory reference backend, then hands device to its USB bus driver's
// DeviceMode/Start in place of what this package cannot provide.
func newDFUDevice(backend dfu.Backend) (*usb.Device, *dfu.Class) {
	device := &usb.Device{}
	engine := configureDFUDevice(device, backend)

	return device, engine
}

func main() {
	backend := memory.New(0x08000000, 1<<20, nil)
	_, engine := newDFUDevice(backend)

	// A real board's bus driver calls engine.Update() once per poll
	// cycle from its own interrupt-driven control-transfer loop; there
	// is no such loop here to drive it.
	_ = engine
}
