package dfu

// MemoryError is the closed set of failures a Backend's read/program/erase
// operations may report; the engine translates each into a StatusCode
// (DFU 1.1a, Table A.2) before surfacing it to the host.
type MemoryError uint8

const (
	MemoryErrTarget MemoryError = iota
	MemoryErrFile
	MemoryErrWrite
	MemoryErrErase
	MemoryErrCheckErased
	MemoryErrProg
	MemoryErrVerify
	MemoryErrUnknown
	MemoryErrAddress
	MemoryErrVendor
)

func (e MemoryError) statusCode() StatusCode {
	switch e {
	case MemoryErrTarget:
		return ErrTarget
	case MemoryErrFile:
		return ErrFile
	case MemoryErrWrite:
		return ErrWrite
	case MemoryErrErase:
		return ErrErase
	case MemoryErrCheckErased:
		return ErrCheckErased
	case MemoryErrProg:
		return ErrProg
	case MemoryErrVerify:
		return ErrVerify
	case MemoryErrAddress:
		return ErrAddress
	case MemoryErrVendor:
		return ErrVendor
	default:
		return ErrUnknown
	}
}

func (e MemoryError) Error() string {
	return e.statusCode().String()
}

// ManifestationError is the closed set of failures Backend.Manifestation
// may report.
type ManifestationError uint8

const (
	ManifestationErrTarget ManifestationError = iota
	ManifestationErrFile
	ManifestationErrNotDone
	ManifestationErrFirmware
	ManifestationErrVendor
	ManifestationErrUnknown
)

func (e ManifestationError) statusCode() StatusCode {
	switch e {
	case ManifestationErrTarget:
		return ErrTarget
	case ManifestationErrFile:
		return ErrFile
	case ManifestationErrNotDone:
		return ErrNotdone
	case ManifestationErrFirmware:
		return ErrFirmware
	case ManifestationErrVendor:
		return ErrVendor
	default:
		return ErrUnknown
	}
}

func (e ManifestationError) Error() string {
	return e.statusCode().String()
}

// Config holds the immutable, back-end-supplied constants the engine
// reads when emitting descriptors and computing poll timeouts.
type Config struct {
	// InitialAddressPointer seeds the address pointer at construction.
	InitialAddressPointer uint32

	// MemInfoString describes the memory layout, surfaced as the DFU
	// interface's string descriptor.
	MemInfoString string

	// HasDownload / HasUpload set the corresponding DFU functional
	// descriptor capability bits.
	HasDownload bool
	HasUpload   bool

	// ManifestationTolerant sets bitManifestationTolerant and selects
	// whether a successful LeaveDfu returns to DfuIdle without a reset.
	ManifestationTolerant bool

	// ProgramTimeMS, EraseTimeMS, FullEraseTimeMS and ManifestationTimeMS
	// size the poll_timeout advertised to the host for each pending
	// command kind.
	ProgramTimeMS       uint32
	EraseTimeMS         uint32
	FullEraseTimeMS     uint32
	ManifestationTimeMS uint32

	// DetachTimeoutMS is wDetachTimeOut in the functional descriptor.
	DetachTimeoutMS uint16

	// TransferSize is wTransferSize; it bounds the block size for both
	// DOWNLOAD and UPLOAD and must not exceed the control endpoint's
	// buffer.
	TransferSize uint16
}

// SetDefaults fills in the fields the DFU 1.1a spec assigns a default
// value to (DETACH_TIMEOUT=250ms, TRANSFER_SIZE=128 bytes,
// MANIFESTATION_TIME_MS=1ms), leaving board-specific fields untouched.
func (c *Config) SetDefaults() {
	if c.DetachTimeoutMS == 0 {
		c.DetachTimeoutMS = 250
	}

	if c.TransferSize == 0 {
		c.TransferSize = 128
	}

	if c.ManifestationTimeMS == 0 {
		c.ManifestationTimeMS = 1
	}
}

// Backend is the memory collaborator a Class delegates every read,
// erase, program and firmware-activation operation to. Implementations
// must not block indefinitely: the host's poll_timeout budget for a
// pending command is derived from Config and must honestly cover the
// wall-clock cost of the matching Backend call.
type Backend interface {
	Config() Config

	// StoreWriteBuffer buffers an incoming block for a later Program
	// call. It must not write to nonvolatile memory or trigger erase.
	StoreWriteBuffer(src []byte) error

	// Read returns up to length bytes read from address. A short
	// return (fewer than Config().TransferSize bytes) signals
	// end-of-region to the engine.
	Read(address uint32, length int) ([]byte, error)

	// Program writes the buffer most recently passed to
	// StoreWriteBuffer at address.
	Program(address uint32, length int) error

	// Erase erases the page containing address.
	Erase(address uint32) error

	// EraseAll erases the entire managed region.
	EraseAll() error

	// Manifestation finalizes and optionally activates newly
	// downloaded firmware. When Config().ManifestationTolerant is
	// false, a successful call is expected never to return.
	Manifestation() error

	// USBReset is invoked on every USB bus reset; it may transfer
	// control to application firmware and never return.
	USBReset()
}
