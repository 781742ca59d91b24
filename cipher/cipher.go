// Package cipher implements the pluggable symmetric encryption layer used to
// protect frame payloads on the wire: a capability interface with one
// implementation per suite, selected at configuration time and shared by
// every codec instance in the process.
package cipher

import (
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Suite identifies a cipher variant by name, for config and logging.
type Suite string

const (
	SuitePlain           Suite = "plain"
	SuiteXOR             Suite = "xor"
	SuiteAES256GCM       Suite = "aes-256-gcm"
	SuiteChaCha20Poly1305 Suite = "chacha20-poly1305"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// ErrDecryptionFailed is returned by Open when the ciphertext is malformed
// or fails authentication. Callers MUST treat this as a dropped frame, never
// a crash.
var ErrDecryptionFailed = errors.New("cipher: decryption failed")

// Cipher is the capability interface every suite implements: encrypt a
// buffer in place (conceptually; implementations return new slices since Go
// slices don't grow in place), decrypt the reverse.
type Cipher interface {
	Suite() Suite
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// New constructs a Cipher for the given suite. key is used verbatim for XOR
// (obfuscation only, no length requirement) and zero-padded/truncated to 32
// bytes for the two AEAD suites. Plain ignores key.
func New(suite Suite, key []byte) (Cipher, error) {
	switch suite {
	case SuitePlain, "":
		return plainCipher{}, nil
	case SuiteXOR:
		return xorCipher{key: append([]byte(nil), key...)}, nil
	case SuiteAES256GCM:
		aead, err := newAESGCM(deriveKey(key))
		if err != nil {
			return nil, fmt.Errorf("cipher: aes-256-gcm: %w", err)
		}
		return aeadCipher{suite: SuiteAES256GCM, aead: aead}, nil
	case SuiteChaCha20Poly1305:
		aead, err := chacha20poly1305.New(deriveKey(key))
		if err != nil {
			return nil, fmt.Errorf("cipher: chacha20-poly1305: %w", err)
		}
		return aeadCipher{suite: SuiteChaCha20Poly1305, aead: aead}, nil
	default:
		return nil, fmt.Errorf("cipher: unsupported suite %q", suite)
	}
}

// deriveKey zero-pads or truncates the provided key material to exactly 32
// bytes, as required for the AEAD suites.
func deriveKey(key []byte) []byte {
	out := make([]byte, keySize)
	copy(out, key)
	return out
}

func newAESGCM(key []byte) (stdcipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return stdcipher.NewGCM(block)
}

// plainCipher is identity: development/debugging only, never obfuscates or
// authenticates.
type plainCipher struct{}

func (plainCipher) Suite() Suite { return SuitePlain }

func (plainCipher) Seal(plaintext []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

func (plainCipher) Open(ciphertext []byte) ([]byte, error) {
	return append([]byte(nil), ciphertext...), nil
}

// xorCipher obfuscates with a repeating-key XOR. Symmetric, no nonce, not an
// authentication mechanism.
type xorCipher struct {
	key []byte
}

func (xorCipher) Suite() Suite { return SuiteXOR }

func (x xorCipher) Seal(plaintext []byte) ([]byte, error) {
	return x.xor(plaintext), nil
}

func (x xorCipher) Open(ciphertext []byte) ([]byte, error) {
	return x.xor(ciphertext), nil
}

func (x xorCipher) xor(data []byte) []byte {
	if len(x.key) == 0 {
		return append([]byte(nil), data...)
	}
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ x.key[i%len(x.key)]
	}
	return out
}

// aeadCipher wraps an AEAD construction with the spec's wire layout:
// nonce ‖ ciphertext ‖ tag, nonce drawn fresh from a CSPRNG on every Seal.
type aeadCipher struct {
	suite Suite
	aead  stdcipher.AEAD
}

func (a aeadCipher) Suite() Suite { return a.suite }

func (a aeadCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := a.aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

func (a aeadCipher) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+tagSize {
		return nil, ErrDecryptionFailed
	}
	nonce := ciphertext[:nonceSize]
	sealed := ciphertext[nonceSize:]
	plaintext, err := a.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
