package memory

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec"
	"golang.org/x/crypto/sha3"
)

func TestReadWriteRoundTrip(t *testing.T) {
	m := New(0x08000000, 1024, nil)

	if err := m.Erase(0x08000000); err != nil {
		t.Fatalf("Erase: %v", err)
	}

	buf := bytes.Repeat([]byte{0x42}, 64)
	if err := m.StoreWriteBuffer(buf); err != nil {
		t.Fatalf("StoreWriteBuffer: %v", err)
	}
	if err := m.Program(0x08000000, len(buf)); err != nil {
		t.Fatalf("Program: %v", err)
	}

	got, err := m.Read(0x08000000, 64)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Fatalf("Read() = %x, want %x", got, buf)
	}
}

func TestEraseAllFillsWithErasedValue(t *testing.T) {
	m := New(0, 512, nil)

	m.StoreWriteBuffer(bytes.Repeat([]byte{0x11}, 16))
	m.Program(0, 16)

	if err := m.EraseAll(); err != nil {
		t.Fatalf("EraseAll: %v", err)
	}

	got, _ := m.Read(0, 16)
	for _, b := range got {
		if b != 0xff {
			t.Fatalf("EraseAll left non-erased byte %#x", b)
		}
	}
}

func TestManifestationWithoutKeyAlwaysSucceeds(t *testing.T) {
	m := New(0, 256, nil)

	if err := m.Manifestation(); err != nil {
		t.Fatalf("Manifestation: %v", err)
	}
	if !m.Activated() {
		t.Fatalf("Activated() = false, want true")
	}
}

func TestManifestationRejectsMissingSignature(t *testing.T) {
	priv, _ := btcec.NewPrivateKey(btcec.S256())
	m := New(0, 256, priv.PubKey())

	if err := m.Manifestation(); err == nil {
		t.Fatalf("Manifestation() succeeded without a signature, want error")
	}
	if m.Activated() {
		t.Fatalf("Activated() = true, want false")
	}
}

func TestManifestationAcceptsValidSignature(t *testing.T) {
	priv, _ := btcec.NewPrivateKey(btcec.S256())
	m := New(0, 256, priv.PubKey())

	digest := sha3.Sum256(m.region)
	sig, err := priv.Sign(digest[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	m.SetSignature(sig.Serialize())

	if err := m.Manifestation(); err != nil {
		t.Fatalf("Manifestation: %v", err)
	}
	if !m.Activated() {
		t.Fatalf("Activated() = false, want true")
	}
}

func TestManifestationRejectsTamperedImage(t *testing.T) {
	priv, _ := btcec.NewPrivateKey(btcec.S256())
	m := New(0, 256, priv.PubKey())

	digest := sha3.Sum256(m.region)
	sig, _ := priv.Sign(digest[:])
	m.SetSignature(sig.Serialize())

	// Tamper with the image after signing.
	m.region[0] ^= 0xff

	if err := m.Manifestation(); err == nil {
		t.Fatalf("Manifestation() succeeded over a tampered image, want error")
	}
}

func TestMemInfoStringLayout(t *testing.T) {
	m := New(0x08000000, 1024, nil)

	cfg := m.Config()
	if cfg.MemInfoString == "" {
		t.Fatalf("MemInfoString is empty")
	}
}
