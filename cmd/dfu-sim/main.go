// dfu-sim drives the DFU protocol engine end-to-end without a real USB
// bus, for exercising and demonstrating the engine against a firmware
// image on disk.
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package main

import "github.com/usbarmory/tamago-dfu/cmd/dfu-sim/cmd"

func main() {
	cmd.Execute()
}
