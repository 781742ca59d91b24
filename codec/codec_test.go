package codec

import (
	"bytes"
	"encoding/binary"
	"testing"

	"meshvpn/cipher"
)

func mustCipher(t *testing.T, suite cipher.Suite, key string) cipher.Cipher {
	t.Helper()
	c, err := cipher.New(suite, []byte(key))
	if err != nil {
		t.Fatalf("cipher.New(%s): %v", suite, err)
	}
	return c
}

func TestRoundTripAllFrameTypes(t *testing.T) {
	c := mustCipher(t, cipher.SuiteChaCha20Poly1305, "rustun")
	cases := []struct {
		name  string
		frame Frame
	}{
		{"Handshake", Frame{Type: TypeHandshake, Handshake: &Handshake{Identity: "alice"}}},
		{"HandshakeReply", Frame{Type: TypeHandshakeReply, HandshakeReply: &HandshakeReply{
			PrivateIP: "10.0.0.2", Mask: "255.255.255.0", Gateway: "10.0.0.1",
			Peers: []PeerDetail{{Identity: "bob", PrivateIP: "10.0.0.3", Ciders: []string{"192.168.1.0/24"}}},
		}}},
		{"KeepAlive", Frame{Type: TypeKeepAlive, KeepAlive: &KeepAlive{Identity: "alice", Port: 51258}}},
		{"Data", Frame{Type: TypeData, Data: &Data{Payload: []byte{0x45, 0x00, 0x00, 0x28}}}},
		{"PeerUpdate", Frame{Type: TypePeerUpdate, PeerUpdate: &PeerUpdate{Identity: "alice", IPv6: "::1"}}},
		{"ProbeIPv6", Frame{Type: TypeProbeIPv6, ProbeIPv6: &ProbeIPv6{Identity: "alice"}}},
		{"ProbeHolePunch", Frame{Type: TypeProbeHolePunch, ProbeHolePunch: &ProbeHolePunch{Identity: "alice"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.frame, c)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, consumed, err := Decode(encoded, c)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if consumed != len(encoded) {
				t.Fatalf("consumed %d, want %d", consumed, len(encoded))
			}
			assertFrameEqual(t, tc.frame, decoded)
		})
	}
}

func assertFrameEqual(t *testing.T, want, got Frame) {
	t.Helper()
	if want.Type != got.Type {
		t.Fatalf("type mismatch: want %v got %v", want.Type, got.Type)
	}
	switch want.Type {
	case TypeHandshake:
		if *want.Handshake != *got.Handshake {
			t.Fatalf("handshake mismatch: %+v != %+v", want.Handshake, got.Handshake)
		}
	case TypeData:
		if !bytes.Equal(want.Data.Payload, got.Data.Payload) {
			t.Fatalf("data payload mismatch")
		}
	case TypeKeepAlive:
		if want.KeepAlive.Identity != got.KeepAlive.Identity || want.KeepAlive.Port != got.KeepAlive.Port {
			t.Fatalf("keepalive mismatch")
		}
	}
}

// S-1: XOR cipher round trip with literal key "rustun".
func TestScenarioXORRoundTrip(t *testing.T) {
	c := mustCipher(t, cipher.SuiteXOR, "rustun")
	frame := Frame{Type: TypeHandshake, Handshake: &Handshake{Identity: "alice"}}
	encoded, err := Encode(frame, c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if binary.BigEndian.Uint32(encoded[0:4]) != magic {
		t.Fatalf("bad magic")
	}
	if encoded[4] != version || encoded[5] != byte(TypeHandshake) {
		t.Fatalf("bad version/type bytes")
	}
	payloadLen := int(binary.BigEndian.Uint16(encoded[6:8]))
	if len(encoded) != headerSize+payloadLen {
		t.Fatalf("length field disagrees with buffer size")
	}
	decoded, consumed, err := Decode(encoded, c)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != headerSize+payloadLen {
		t.Fatalf("consumed %d want %d", consumed, headerSize+payloadLen)
	}
	if decoded.Handshake.Identity != "alice" {
		t.Fatalf("identity mismatch: %q", decoded.Handshake.Identity)
	}
}

func TestDecodeTooShort(t *testing.T) {
	c := mustCipher(t, cipher.SuitePlain, "")
	for _, n := range []int{0, 1, 7} {
		_, _, err := Decode(make([]byte, n), c)
		if err != ErrTooShort {
			t.Fatalf("len %d: expected ErrTooShort, got %v", n, err)
		}
	}
	// full header present but payload not yet fully buffered
	frame := Frame{Type: TypeHandshake, Handshake: &Handshake{Identity: "alice"}}
	full, _ := Encode(frame, c)
	_, _, err := Decode(full[:headerSize+1], c)
	if err != ErrTooShort {
		t.Fatalf("expected ErrTooShort for truncated payload, got %v", err)
	}
}

func TestDecodeInvalidMagicOrVersion(t *testing.T) {
	c := mustCipher(t, cipher.SuitePlain, "")
	frame := Frame{Type: TypeHandshake, Handshake: &Handshake{Identity: "alice"}}
	full, _ := Encode(frame, c)

	badMagic := append([]byte(nil), full...)
	binary.BigEndian.PutUint32(badMagic[0:4], 0xdeadbeef)
	if _, _, err := Decode(badMagic, c); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid for bad magic, got %v", err)
	}

	badVersion := append([]byte(nil), full...)
	badVersion[4] = 0x02
	if _, _, err := Decode(badVersion, c); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid for bad version, got %v", err)
	}

	badType := append([]byte(nil), full...)
	badType[5] = 0x7F
	if _, _, err := Decode(badType, c); err != ErrInvalid {
		t.Fatalf("expected ErrInvalid for unknown type, got %v", err)
	}
}

func TestDecodeDecryptionFailed(t *testing.T) {
	key := mustCipher(t, cipher.SuiteAES256GCM, "correct-key")
	wrong := mustCipher(t, cipher.SuiteAES256GCM, "wrong-key")
	frame := Frame{Type: TypeHandshake, Handshake: &Handshake{Identity: "alice"}}
	encoded, err := Encode(frame, key)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, _, err := Decode(encoded, wrong); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

// P2: decode never partially consumes a buffer; it is a full frame or an error.
func TestDecodeNeverPartiallyConsumes(t *testing.T) {
	c := mustCipher(t, cipher.SuiteChaCha20Poly1305, "key")
	frame := Frame{Type: TypeData, Data: &Data{Payload: []byte("0123456789")}}
	encoded, _ := Encode(frame, c)
	extra := append(append([]byte(nil), encoded...), []byte("trailing-garbage")...)

	decoded, consumed, err := Decode(extra, c)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != len(encoded) {
		t.Fatalf("consumed %d, want exactly %d (frame length, excluding trailing bytes)", consumed, len(encoded))
	}
	if !bytes.Equal(decoded.Data.Payload, frame.Data.Payload) {
		t.Fatalf("payload mismatch")
	}
}
