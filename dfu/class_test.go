package dfu

import (
	"bytes"
	"testing"

	"github.com/usbarmory/tamago-dfu/usb"
)

// fakeBackend is an in-memory Backend double used to exercise the state
// machine without any real flash device.
type fakeBackend struct {
	cfg Config

	mem         map[uint32][]byte
	writeBuf    []byte
	erasedAll   bool
	erasedAt    []uint32
	programErr  error
	eraseErr    error
	manifestErr error
	manifested  bool
	resetCount  int
	regionSize  uint32
}

func newFakeBackend() *fakeBackend {
	cfg := Config{
		InitialAddressPointer: 0x08000000,
		MemInfoString:         "@Flash/0x08000000/8*1Kg",
		HasDownload:           true,
		HasUpload:             true,
		ManifestationTolerant: true,
		ProgramTimeMS:         10,
		EraseTimeMS:           20,
		FullEraseTimeMS:       100,
		ManifestationTimeMS:   5,
		TransferSize:          64,
	}
	cfg.SetDefaults()

	return &fakeBackend{
		cfg:        cfg,
		mem:        map[uint32][]byte{},
		regionSize: 1024,
	}
}

func (b *fakeBackend) Config() Config { return b.cfg }

func (b *fakeBackend) StoreWriteBuffer(src []byte) error {
	b.writeBuf = append([]byte(nil), src...)
	return nil
}

func (b *fakeBackend) Read(address uint32, length int) ([]byte, error) {
	if address >= b.cfg.InitialAddressPointer+b.regionSize {
		return nil, nil
	}

	remaining := int(b.cfg.InitialAddressPointer+b.regionSize) - int(address)
	if remaining < length {
		length = remaining
	}

	out := make([]byte, length)
	for i := range out {
		out[i] = byte(address) + byte(i)
	}

	return out, nil
}

func (b *fakeBackend) Program(address uint32, length int) error {
	if b.programErr != nil {
		return b.programErr
	}

	b.mem[address] = append([]byte(nil), b.writeBuf[:length]...)
	return nil
}

func (b *fakeBackend) Erase(address uint32) error {
	if b.eraseErr != nil {
		return b.eraseErr
	}

	b.erasedAt = append(b.erasedAt, address)
	return nil
}

func (b *fakeBackend) EraseAll() error {
	b.erasedAll = true
	return nil
}

func (b *fakeBackend) Manifestation() error {
	if b.manifestErr != nil {
		return b.manifestErr
	}

	b.manifested = true
	return nil
}

func (b *fakeBackend) USBReset() {
	b.resetCount++
}

func dnload(c *Class, value uint16, payload []byte) ([]byte, bool, bool, error) {
	return c.Setup(&usb.SetupData{
		RequestType: 0x21, // Host-to-device, Class, Interface
		Request:     reqDnload,
		Value:       value,
		Length:      uint16(len(payload)),
		Payload:     payload,
	})
}

func upload(c *Class, value, length uint16) ([]byte, bool, bool, error) {
	return c.Setup(&usb.SetupData{
		RequestType: 0xA1, // Device-to-host, Class, Interface
		Request:     reqUpload,
		Value:       value,
		Length:      length,
	})
}

func getStatus(c *Class, length uint16) ([]byte, bool, bool, error) {
	return c.Setup(&usb.SetupData{
		RequestType: 0xA1,
		Request:     reqGetStatus,
		Length:      length,
	})
}

func clrStatus(c *Class) ([]byte, bool, bool, error) {
	return c.Setup(&usb.SetupData{RequestType: 0x21, Request: reqClrStatus})
}

func abort(c *Class) ([]byte, bool, bool, error) {
	return c.Setup(&usb.SetupData{RequestType: 0x21, Request: reqAbort})
}

func getState(c *Class, length uint16) ([]byte, bool, bool, error) {
	return c.Setup(&usb.SetupData{RequestType: 0xA1, Request: reqGetState, Length: length})
}

func newTestClass() (*Class, *fakeBackend) {
	backend := newFakeBackend()
	return New(0, 0, backend), backend
}

// TestNormalWrite mirrors scenario 1 of §8: a write block followed by two
// GETSTATUS polls should traverse DfuDnloadSync -> DfuDnBusy -> DfuDnloadSync
// and land in DfuDnloadIdle, with the backend's Program called on the staged
// block.
func TestNormalWrite(t *testing.T) {
	c, backend := newTestClass()
	payload := bytes.Repeat([]byte{0xAA}, 64)

	if _, ack, _, err := dnload(c, 2, payload); err != nil || !ack {
		t.Fatalf("DNLOAD: ack=%v err=%v", ack, err)
	}
	if c.State() != DfuDnloadSync {
		t.Fatalf("state after DNLOAD = %s, want dfuDnloadSync", c.State())
	}

	status, _, _, err := getStatus(c, 6)
	if err != nil {
		t.Fatalf("GETSTATUS #1: %v", err)
	}
	if State(status[4]) != DfuDnBusy {
		t.Fatalf("state in GETSTATUS #1 = %s, want dfuDnBusy", State(status[4]))
	}

	c.Update()

	if len(backend.mem[0x08000000]) != 64 {
		t.Fatalf("Program was not called with the staged block")
	}
	if c.State() != DfuDnloadSync {
		t.Fatalf("state after Update = %s, want dfuDnloadSync", c.State())
	}

	status, _, _, err = getStatus(c, 6)
	if err != nil {
		t.Fatalf("GETSTATUS #2: %v", err)
	}
	if State(status[4]) != DfuDnloadIdle {
		t.Fatalf("state in GETSTATUS #2 = %s, want dfuDnloadIdle", State(status[4]))
	}
}

// TestSetAddressPointer mirrors scenario 2 of §8.
func TestSetAddressPointer(t *testing.T) {
	c, _ := newTestClass()

	payload := []byte{0x21, 0x00, 0x00, 0x00, 0x08}
	if _, ack, _, err := dnload(c, 0, payload); err != nil || !ack {
		t.Fatalf("DNLOAD set-address: ack=%v err=%v", ack, err)
	}

	if _, _, _, err := getStatus(c, 6); err != nil {
		t.Fatalf("GETSTATUS #1: %v", err)
	}

	c.Update()

	if c.AddressPointer() != 0x08000000 {
		t.Fatalf("AddressPointer() = %#x, want 0x08000000", c.AddressPointer())
	}

	if _, _, _, err := getStatus(c, 6); err != nil {
		t.Fatalf("GETSTATUS #2: %v", err)
	}

	if c.State() != DfuDnloadIdle {
		t.Fatalf("state = %s, want dfuDnloadIdle", c.State())
	}
}

// TestErasePageError mirrors scenario 3 of §8: a failing erase transitions
// to DfuError with the translated status, and CLRSTATUS recovers it.
func TestErasePageError(t *testing.T) {
	c, backend := newTestClass()
	backend.eraseErr = MemoryErrErase

	payload := []byte{0x41, 0x00, 0x04, 0x00, 0x08}
	if _, ack, _, err := dnload(c, 0, payload); err != nil || !ack {
		t.Fatalf("DNLOAD erase: ack=%v err=%v", ack, err)
	}

	if _, _, _, err := getStatus(c, 6); err != nil {
		t.Fatalf("GETSTATUS: %v", err)
	}

	c.Update()

	if c.State() != DfuError || c.status != ErrErase {
		t.Fatalf("state/status = %s/%s, want dfuError/errErase", c.State(), c.status)
	}

	if _, ack, _, err := clrStatus(c); err != nil || !ack {
		t.Fatalf("CLRSTATUS: ack=%v err=%v", ack, err)
	}

	if c.State() != DfuIdle || c.status != Ok {
		t.Fatalf("state/status after CLRSTATUS = %s/%s, want dfuIdle/OK", c.State(), c.status)
	}
}

// TestUploadEndOfRegion mirrors scenario 4 of §8.
func TestUploadEndOfRegion(t *testing.T) {
	c, _ := newTestClass()

	data, _, _, err := upload(c, 2, 64)
	if err != nil {
		t.Fatalf("UPLOAD block 2: %v", err)
	}
	if len(data) != 64 {
		t.Fatalf("len(data) = %d, want 64", len(data))
	}
	if c.State() != DfuUploadIdle {
		t.Fatalf("state = %s, want dfuUploadIdle", c.State())
	}

	data, _, _, err = upload(c, 18, 64)
	if err != nil {
		t.Fatalf("UPLOAD block 18: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("len(data) = %d, want 0 (end of region)", len(data))
	}
	if c.State() != DfuIdle {
		t.Fatalf("state = %s, want dfuIdle", c.State())
	}
}

// TestLeaveDfuTolerant mirrors scenario 5 of §8.
func TestLeaveDfuTolerant(t *testing.T) {
	c, backend := newTestClass()

	if _, ack, _, err := dnload(c, 0, nil); err != nil || !ack {
		t.Fatalf("DNLOAD(wLength=0): ack=%v err=%v", ack, err)
	}
	if c.State() != DfuManifestSync {
		t.Fatalf("state = %s, want dfuManifestSync", c.State())
	}

	if _, _, _, err := getStatus(c, 6); err != nil {
		t.Fatalf("GETSTATUS #1: %v", err)
	}
	if c.State() != DfuManifest {
		t.Fatalf("state = %s, want dfuManifest", c.State())
	}

	c.Update()

	if !backend.manifested {
		t.Fatalf("Manifestation() was not called")
	}
	if c.State() != DfuManifestSync {
		t.Fatalf("state after Update = %s, want dfuManifestSync", c.State())
	}

	if _, _, _, err := getStatus(c, 6); err != nil {
		t.Fatalf("GETSTATUS #2: %v", err)
	}
	if c.State() != DfuIdle {
		t.Fatalf("state = %s, want dfuIdle", c.State())
	}
}

// TestUnexpectedResetMidWrite mirrors scenario 6 of §8.
func TestUnexpectedResetMidWrite(t *testing.T) {
	c, backend := newTestClass()

	payload := bytes.Repeat([]byte{0x01}, 64)
	if _, _, _, err := dnload(c, 2, payload); err != nil {
		t.Fatalf("DNLOAD: %v", err)
	}
	if _, _, _, err := getStatus(c, 6); err != nil {
		t.Fatalf("GETSTATUS: %v", err)
	}
	c.Update()
	if _, _, _, err := getStatus(c, 6); err != nil {
		t.Fatalf("GETSTATUS: %v", err)
	}

	if c.State() != DfuDnloadIdle {
		t.Fatalf("state = %s, want dfuDnloadIdle", c.State())
	}

	c.Reset()

	if backend.resetCount != 1 {
		t.Fatalf("USBReset() called %d times, want 1", backend.resetCount)
	}
	if c.State() != DfuError || c.status != ErrUsbr {
		t.Fatalf("state/status = %s/%s, want dfuError/errUsbr", c.State(), c.status)
	}
}

func TestGetStatusShortLengthStalls(t *testing.T) {
	c, _ := newTestClass()

	if _, _, _, err := getStatus(c, 5); err == nil {
		t.Fatalf("GETSTATUS(wLength=5) succeeded, want stall")
	}
	if c.State() != DfuError || c.status != ErrStalledPkt {
		t.Fatalf("state/status = %s/%s, want dfuError/errStalledPkt", c.State(), c.status)
	}
}

func TestGetStatusWhileDnBusyRejects(t *testing.T) {
	c, _ := newTestClass()

	payload := bytes.Repeat([]byte{0x01}, 64)
	dnload(c, 2, payload)
	getStatus(c, 6)

	if c.State() != DfuDnBusy {
		t.Fatalf("precondition failed, state = %s", c.State())
	}

	if _, _, _, err := getStatus(c, 6); err == nil {
		t.Fatalf("GETSTATUS while dfuDnBusy succeeded, want stall")
	}
	if c.State() != DfuError || c.status != ErrStalledPkt {
		t.Fatalf("state/status = %s/%s, want dfuError/errStalledPkt", c.State(), c.status)
	}
}

func TestAbortFromDnloadSync(t *testing.T) {
	c, _ := newTestClass()

	dnload(c, 2, bytes.Repeat([]byte{0x01}, 64))
	if c.State() != DfuDnloadSync {
		t.Fatalf("precondition failed, state = %s", c.State())
	}

	if _, ack, _, err := abort(c); err != nil || !ack {
		t.Fatalf("ABORT: ack=%v err=%v", ack, err)
	}
	if c.State() != DfuIdle {
		t.Fatalf("state = %s, want dfuIdle", c.State())
	}
}

func TestAbortFromDnBusyRejects(t *testing.T) {
	c, _ := newTestClass()

	dnload(c, 2, bytes.Repeat([]byte{0x01}, 64))
	getStatus(c, 6)

	if c.State() != DfuDnBusy {
		t.Fatalf("precondition failed, state = %s", c.State())
	}

	if _, _, _, err := abort(c); err == nil {
		t.Fatalf("ABORT while dfuDnBusy succeeded, want stall")
	}
}

func TestGetStateNoTransition(t *testing.T) {
	c, _ := newTestClass()

	data, _, _, err := getState(c, 1)
	if err != nil {
		t.Fatalf("GETSTATE: %v", err)
	}
	if State(data[0]) != DfuIdle {
		t.Fatalf("GETSTATE payload = %v, want dfuIdle", data)
	}
	if c.State() != DfuIdle {
		t.Fatalf("state changed by GETSTATE: %s", c.State())
	}

	if _, _, _, err := getState(c, 0); err == nil {
		t.Fatalf("GETSTATE(wLength=0) succeeded, want stall")
	}
}

func TestUploadAddressOverflow(t *testing.T) {
	c, backend := newTestClass()
	backend.cfg.InitialAddressPointer = 0xFFFFFFF0
	backend.cfg.TransferSize = 64

	c = New(0, 0, backend)

	if _, _, _, err := upload(c, 3, 64); err == nil {
		t.Fatalf("UPLOAD with overflowing address succeeded, want stall")
	}
	if c.status != ErrAddress {
		t.Fatalf("status = %s, want errAddress", c.status)
	}
}

func TestFunctionalDescriptorBits(t *testing.T) {
	c, backend := newTestClass()
	backend.cfg.HasDownload = true
	backend.cfg.HasUpload = false
	backend.cfg.ManifestationTolerant = true
	c = New(0, 0, backend)

	fd := c.FunctionalDescriptor()
	if len(fd) != functionalDescriptorLength {
		t.Fatalf("len(FunctionalDescriptor()) = %d, want %d", len(fd), functionalDescriptorLength)
	}

	attrs := fd[2]
	if attrs&0x8 == 0 {
		t.Errorf("bitWillDetach not set")
	}
	if attrs&0x4 == 0 {
		t.Errorf("bitManifestationTolerant not set")
	}
	if attrs&0x2 != 0 {
		t.Errorf("bitCanUpload set, want clear")
	}
	if attrs&0x1 == 0 {
		t.Errorf("bitCanDnload not set")
	}

	if fd[7] != 0x1a || fd[8] != 0x01 {
		t.Errorf("bcdDFUVersion = %#x%02x, want 0x011a", fd[8], fd[7])
	}
}
