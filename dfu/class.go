package dfu

import (
	"encoding/binary"
	"log"

	"github.com/usbarmory/tamago-dfu/usb"
)

// DNLOAD/UPLOAD/GETSTATUS/CLRSTATUS/GETSTATE/ABORT request codes
// (DFU 1.1a, Table 3.2). DETACH (0x00) is defined but never handled:
// this engine is always instantiated in DFU mode (§1 Non-goals).
const (
	reqDetach    = 0x00
	reqDnload    = 0x01
	reqUpload    = 0x02
	reqGetStatus = 0x03
	reqClrStatus = 0x04
	reqGetState  = 0x05
	reqAbort     = 0x06
)

// Class is the DFU protocol engine: a single long-lived state machine
// driven by USB control-pipe requests on one interface, delegating every
// flash operation to a Backend.
type Class struct {
	interfaceNumber      uint8
	interfaceStringIndex uint8
	backend              Backend
	cfg                  Config

	state          State
	status         StatusCode
	addressPointer uint32
	pollTimeout    uint32
	staged         command
	pending        command
}

// New constructs a Class bound to the given interface number and string
// index, initialized in DfuIdle per §3.
func New(interfaceNumber, interfaceStringIndex uint8, backend Backend) *Class {
	cfg := backend.Config()

	return &Class{
		interfaceNumber:      interfaceNumber,
		interfaceStringIndex: interfaceStringIndex,
		backend:              backend,
		cfg:                  cfg,
		state:                DfuIdle,
		status:               Ok,
		addressPointer:       cfg.InitialAddressPointer,
		staged:               noCommand,
		pending:              noCommand,
	}
}

// Release severs the engine from its Backend and returns it, surrendering
// ownership back to the caller (§6.3).
func (c *Class) Release() Backend {
	b := c.backend
	c.backend = nil
	return b
}

// SetUnexpectedResetState forces the initial state to DfuError/ErrPOR,
// for use immediately after New when firmware detects an abnormal boot
// (§6.3, §3).
func (c *Class) SetUnexpectedResetState() {
	c.setState(DfuError, ErrPOR)
}

// SetFirmwareCorruptedState forces the initial state to
// DfuError/ErrFirmware (§6.3, §3).
func (c *Class) SetFirmwareCorruptedState() {
	c.setState(DfuError, ErrFirmware)
}

// AddressPointer returns the current address pointer (§6.3).
func (c *Class) AddressPointer() uint32 {
	return c.addressPointer
}

// State returns the engine's current DFU state.
func (c *Class) State() State {
	return c.state
}

func (c *Class) setState(state State, status StatusCode) {
	c.state = state
	c.status = status
}

func (c *Class) setStateOK(state State) {
	c.setState(state, Ok)
}

// Setup implements usb.SetupFunction: the class-specific control pipe
// entry point a bus driver invokes for every setup packet (§4.2).
func (c *Class) Setup(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
	if setup.Type() != usb.REQUEST_TYPE_CLASS {
		return nil, false, false, nil
	}

	if setup.Recipient() != usb.RECIPIENT_INTERFACE {
		return nil, false, false, nil
	}

	if setup.InterfaceNumber() != c.interfaceNumber {
		return nil, false, false, nil
	}

	switch setup.Direction() {
	case usb.OUT:
		return c.controlOut(setup)
	case usb.IN:
		return c.controlIn(setup)
	}

	return nil, false, true, errStall
}

// errStall is returned by handlers to signal the control transfer must be
// stalled; it carries no information beyond that, matching the engine's
// policy of funneling every rejection through the DFU status pipe rather
// than an OS-visible error value.
var errStall = stallError{}

type stallError struct{}

func (stallError) Error() string { return "dfu: request stalled" }

func (c *Class) controlOut(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
	switch setup.Request {
	case reqDnload:
		return c.download(setup)
	case reqClrStatus:
		return c.clearStatus()
	case reqAbort:
		return c.abort()
	default:
		return nil, false, true, errStall
	}
}

func (c *Class) controlIn(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
	switch setup.Request {
	case reqUpload:
		return c.upload(setup)
	case reqGetStatus:
		return c.getStatus(setup)
	case reqGetState:
		return c.getState(setup)
	default:
		return nil, false, true, errStall
	}
}

// download implements DNLOAD (§4.3.1). setup.Value carries the wValue
// block index, and the payload (the first `setup.Length` bytes of the
// OUT data stage) is supplied embedded in setup via Payload.
func (c *Class) download(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
	if c.state != DfuIdle && c.state != DfuDnloadIdle {
		c.setState(DfuError, ErrStalledPkt)
		return nil, false, true, errStall
	}

	data := setup.Payload

	if setup.Length == 0 {
		c.staged = command{kind: cmdLeaveDfu}
		c.setStateOK(DfuManifestSync)
		return nil, true, true, nil
	}

	if setup.Value >= 2 {
		if len(data) > 0 {
			if err := c.backend.StoreWriteBuffer(data); err != nil {
				c.setState(DfuError, ErrStalledPkt)
				return nil, false, true, errStall
			}

			c.staged = command{
				kind:     cmdWriteMemory,
				blockNum: setup.Value - 2,
				len:      uint16(len(data)),
			}
			c.setStateOK(DfuDnloadSync)
			return nil, true, true, nil
		}
	} else if setup.Value == 0 && setup.Length >= 1 && len(data) >= 1 {
		opcode := downloadCommand(data[0])

		switch {
		case opcode == setAddressPointer && setup.Length == 5 && len(data) == 5:
			addr := binary.LittleEndian.Uint32(data[1:5])
			c.staged = command{kind: cmdSetAddressPointer, addr: addr}
			c.setStateOK(DfuDnloadSync)
			return nil, true, true, nil

		case opcode == erase && setup.Length == 5 && len(data) == 5:
			addr := binary.LittleEndian.Uint32(data[1:5])
			c.staged = command{kind: cmdErase, addr: addr}
			c.setStateOK(DfuDnloadSync)
			return nil, true, true, nil

		case opcode == erase && setup.Length == 1:
			c.staged = command{kind: cmdEraseAll}
			c.setStateOK(DfuDnloadSync)
			return nil, true, true, nil

		case opcode == readUnprotect && c.readUnprotectEnabled():
			c.staged = command{kind: cmdReadUnprotect}
			c.setStateOK(DfuDnloadSync)
			return nil, true, true, nil
		}
	}

	c.setState(DfuError, ErrStalledPkt)
	return nil, false, true, errStall
}

// readUnprotectEnabled reports whether the 0x92 DNLOAD sub-opcode is
// recognized. Per §9 Open Questions this engine leaves it disabled, and
// the command list returned by UPLOAD(wValue=0) never advertises it.
func (c *Class) readUnprotectEnabled() bool {
	return false
}

// upload implements UPLOAD (§4.3.2).
func (c *Class) upload(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
	if c.state != DfuIdle && c.state != DfuUploadIdle {
		c.setState(DfuError, ErrStalledPkt)
		return nil, false, true, errStall
	}

	switch {
	case setup.Value == 0:
		commands := []byte{byte(getCommands), byte(setAddressPointer), byte(erase)}

		if int(setup.Length) < len(commands) {
			c.setState(DfuError, ErrStalledPkt)
			return nil, false, true, errStall
		}

		c.setStateOK(DfuIdle)
		return commands, false, true, nil

	case setup.Value >= 2:
		blockNum := uint32(setup.Value - 2)
		transferSize := c.cfg.TransferSize
		if setup.Length < transferSize {
			transferSize = setup.Length
		}

		offset := blockNum * uint32(c.cfg.TransferSize)
		address := c.addressPointer + offset

		if address < c.addressPointer {
			c.setState(DfuError, ErrAddress)
			return nil, false, true, errStall
		}

		b, err := c.backend.Read(address, int(transferSize))
		if err != nil {
			c.setState(DfuError, translateMemoryError(err))
			return nil, false, true, errStall
		}

		if len(b) < int(c.cfg.TransferSize) {
			c.setStateOK(DfuIdle)
		} else {
			c.setStateOK(DfuUploadIdle)
		}

		return b, false, true, nil
	}

	c.setState(DfuError, ErrStalledPkt)
	return nil, false, true, errStall
}

// getStatus implements GETSTATUS (§4.3.3): the primary advance mechanism.
// It runs the promotion step, computes the poll timeout, and returns the
// 6-byte status record.
func (c *Class) getStatus(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
	if setup.Length < 6 {
		c.setState(DfuError, ErrStalledPkt)
		return nil, false, true, errStall
	}

	if !c.promote() {
		c.setState(DfuError, ErrStalledPkt)
		return nil, false, true, errStall
	}

	c.pollTimeout = c.expectedTimeout()

	buf := make([]byte, 6)
	buf[0] = byte(c.status)
	buf[1] = byte(c.pollTimeout)
	buf[2] = byte(c.pollTimeout >> 8)
	buf[3] = byte(c.pollTimeout >> 16)
	buf[4] = byte(c.state)
	buf[5] = 0

	return buf, false, true, nil
}

// promote runs the GETSTATUS promotion step (§4.3.3), moving a staged
// command into pending and advancing DfuDnloadSync/DfuManifestSync, or
// rejecting outright while in DfuDnBusy. It reports false when the
// request must be stalled.
func (c *Class) promote() bool {
	switch c.state {
	case DfuDnloadSync:
		switch c.staged.kind {
		case cmdWriteMemory, cmdSetAddressPointer, cmdReadUnprotect, cmdEraseAll, cmdErase:
			c.pending = c.staged
			c.staged = noCommand
			c.setStateOK(DfuDnBusy)
		default:
			c.setStateOK(DfuDnloadIdle)
		}

	case DfuManifestSync:
		if c.staged.kind != cmdNone {
			c.pending = c.staged
			c.staged = noCommand
			c.setStateOK(DfuManifest)
		} else if c.cfg.ManifestationTolerant {
			c.setStateOK(DfuIdle)
		}
		// else: remain in DfuManifestSync, awaiting a host reset.

	case DfuDnBusy:
		return false
	}

	return true
}

func (c *Class) expectedTimeout() uint32 {
	switch c.pending.kind {
	case cmdWriteMemory:
		return c.cfg.ProgramTimeMS
	case cmdEraseAll:
		return c.cfg.FullEraseTimeMS
	case cmdErase:
		return c.cfg.EraseTimeMS
	case cmdLeaveDfu:
		return c.cfg.ManifestationTimeMS
	default:
		return 0
	}
}

// clearStatus implements CLRSTATUS (§4.3.4).
func (c *Class) clearStatus() (in []byte, ack bool, done bool, err error) {
	if c.state != DfuError {
		c.setState(DfuError, ErrStalledPkt)
		return nil, false, true, errStall
	}

	c.staged = noCommand
	c.pending = noCommand
	c.setStateOK(DfuIdle)

	return nil, true, true, nil
}

// abort implements ABORT (§4.3.5).
func (c *Class) abort() (in []byte, ack bool, done bool, err error) {
	switch c.state {
	case DfuIdle, DfuUploadIdle, DfuDnloadIdle, DfuDnloadSync, DfuManifestSync:
		c.staged = noCommand
		c.pending = noCommand
		c.setStateOK(DfuIdle)
		return nil, true, true, nil
	default:
		return nil, false, true, errStall
	}
}

// getState implements GETSTATE (§4.3.6): no state transition occurs.
func (c *Class) getState(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
	if setup.Length == 0 {
		c.setState(DfuError, ErrStalledPkt)
		return nil, false, true, errStall
	}

	return []byte{byte(c.state)}, false, true, nil
}

// Reset implements the USB-reset hook (§4.3.7). It is invoked by the bus
// driver on every bus reset, before the engine's poll loop resumes.
func (c *Class) Reset() {
	// May not return: a non-tolerant backend typically jumps to
	// application firmware from here.
	c.backend.USBReset()

	switch c.state {
	case DfuUploadIdle, DfuDnloadIdle, DfuDnloadSync, DfuDnBusy, DfuError, DfuManifest, DfuManifestSync:
		c.setState(DfuError, ErrUsbr)
	default:
		// DfuIdle, AppIdle, AppDetach, DfuManifestWaitReset: no change.
	}
}

// Update runs the deferred executor (§4.4). The bus driver must invoke it
// once per poll cycle, after every control transfer for that cycle
// (including any GETSTATUS) has been serviced.
func (c *Class) Update() {
	switch c.pending.kind {
	case cmdEraseAll:
		if err := c.backend.EraseAll(); err != nil {
			c.setState(DfuError, translateMemoryError(err))
		} else {
			c.setStateOK(DfuDnloadSync)
		}

	case cmdErase:
		if err := c.backend.Erase(c.pending.addr); err != nil {
			c.setState(DfuError, translateMemoryError(err))
		} else {
			c.setStateOK(DfuDnloadSync)
		}

	case cmdWriteMemory:
		offset := uint32(c.pending.blockNum) * uint32(c.cfg.TransferSize)
		address := c.addressPointer + offset

		if address < c.addressPointer {
			c.setState(DfuError, ErrAddress)
			break
		}

		if err := c.backend.Program(address, int(c.pending.len)); err != nil {
			c.setState(DfuError, translateMemoryError(err))
		} else {
			c.setStateOK(DfuDnloadSync)
		}

	case cmdSetAddressPointer:
		c.addressPointer = c.pending.addr
		c.setStateOK(DfuDnloadSync)

	case cmdLeaveDfu:
		if err := c.backend.Manifestation(); err != nil {
			c.setState(DfuError, translateManifestationError(err))
		} else if c.cfg.ManifestationTolerant {
			c.setStateOK(DfuManifestSync)
		} else {
			c.setStateOK(DfuManifestWaitReset)
		}

	case cmdReadUnprotect:
		// Not implemented by this engine (§9 Open Questions).
		c.setState(DfuError, ErrStalledPkt)

	case cmdNone:
		// no-op
	}

	if c.pending.kind != cmdNone {
		log.Printf("dfu: completed command kind=%d, state=%s status=%s", c.pending.kind, c.state, c.status)
	}

	c.pending = noCommand
}
