package cipher

import (
	"bytes"
	"testing"
)

func TestPlainRoundTrip(t *testing.T) {
	c, err := New(SuitePlain, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	roundTrip(t, c, []byte("hello mesh"))
}

func TestXORRoundTrip(t *testing.T) {
	c, err := New(SuiteXOR, []byte("rustun"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	plaintext := []byte(`{"identity":"alice"}`)
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Fatalf("xor did not change the buffer")
	}
	roundTrip(t, c, plaintext)
}

func TestAES256GCMRoundTrip(t *testing.T) {
	c, err := New(SuiteAES256GCM, []byte("a-short-key"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	roundTrip(t, c, []byte("mesh traffic payload"))
}

func TestChaCha20Poly1305RoundTrip(t *testing.T) {
	c, err := New(SuiteChaCha20Poly1305, []byte("another-key-longer-than-32-bytes!!"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	roundTrip(t, c, []byte("mesh traffic payload"))
}

func TestAEADTamperedTagFails(t *testing.T) {
	for _, suite := range []Suite{SuiteAES256GCM, SuiteChaCha20Poly1305} {
		c, err := New(suite, []byte("key"))
		if err != nil {
			t.Fatalf("new %s: %v", suite, err)
		}
		sealed, err := c.Seal([]byte("payload"))
		if err != nil {
			t.Fatalf("seal %s: %v", suite, err)
		}
		sealed[len(sealed)-1] ^= 0xFF
		if _, err := c.Open(sealed); err == nil {
			t.Fatalf("%s: expected decryption failure on tampered tag", suite)
		}
	}
}

func TestAEADShortBufferFails(t *testing.T) {
	c, err := New(SuiteAES256GCM, []byte("key"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Open([]byte{1, 2, 3}); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestAEADNonceIsRandomPerSeal(t *testing.T) {
	c, err := New(SuiteChaCha20Poly1305, []byte("key"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a, _ := c.Seal([]byte("same plaintext"))
	b, _ := c.Seal([]byte("same plaintext"))
	if bytes.Equal(a, b) {
		t.Fatalf("expected distinct ciphertexts across seals due to random nonce")
	}
}

func roundTrip(t *testing.T, c Cipher, plaintext []byte) {
	t.Helper()
	sealed, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}
