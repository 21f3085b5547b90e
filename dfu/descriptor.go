package dfu

// USB class/subclass/protocol triple for the DFU interface (DFU 1.1a,
// Table 4.2).
const (
	classApplicationSpecific = 0xFE
	subclassDFU              = 0x01
	protocolDfuMode          = 0x02
)

// functionalDescriptorLength is the total size, in bytes, of the DFU
// functional descriptor: a 2-byte header (bLength, bDescriptorType)
// followed by 7 bytes of payload.
const functionalDescriptorLength = 9

// functionalDescriptorType is bDescriptorType for the DFU functional
// descriptor (DFU 1.1a, Table 4.2).
const functionalDescriptorType = 0x21

// bcdDFUVersion is the DFU specification version this engine implements,
// including the ST AN3156 DOWNLOAD sub-commands.
const bcdDFUVersion = 0x011A

// InterfaceDescriptor returns the standard interface descriptor fields for
// the DFU interface: class, subclass, protocol and the string index that
// should be wired to the interface descriptor's iInterface field.
func (c *Class) InterfaceDescriptor() (class, subclass, protocol, iInterface uint8) {
	return classApplicationSpecific, subclassDFU, protocolDfuMode, c.interfaceStringIndex
}

// FunctionalDescriptor encodes the complete DFU functional descriptor
// (§4.1): a 2-byte header followed by bmAttributes, wDetachTimeOut,
// wTransferSize and bcdDFUVersion, all little-endian.
func (c *Class) FunctionalDescriptor() []byte {
	cfg := c.backend.Config()

	var attrs uint8

	// Bit 7 (bitAcceleratedST) is never set by this engine.
	// Bit 3 (bitWillDetach) is always set.
	attrs |= 0x8

	if cfg.ManifestationTolerant {
		attrs |= 0x4
	}

	if cfg.HasUpload {
		attrs |= 0x2
	}

	if cfg.HasDownload {
		attrs |= 0x1
	}

	return []byte{
		functionalDescriptorLength,
		functionalDescriptorType,
		attrs,
		byte(cfg.DetachTimeoutMS),
		byte(cfg.DetachTimeoutMS >> 8),
		byte(cfg.TransferSize),
		byte(cfg.TransferSize >> 8),
		byte(bcdDFUVersion & 0xff),
		byte(bcdDFUVersion >> 8),
	}
}

// GetString returns the DFU interface string when index and lang match the
// string descriptor slot reserved at construction (US English or the
// unspecified/zero language ID), per §4.1.
func (c *Class) GetString(index uint8, lang uint16) (string, bool) {
	const langEnUS = 0x0409

	if index == c.interfaceStringIndex && (lang == langEnUS || lang == 0) {
		return c.backend.Config().MemInfoString, true
	}

	return "", false
}
