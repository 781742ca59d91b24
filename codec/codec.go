package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"meshvpn/cipher"
)

const (
	magic      uint32 = 0x91929394
	version    uint8  = 0x01
	headerSize        = 8
	// MaxPayload is the wire cap on a frame's encrypted payload, imposed by
	// the 2-byte big-endian length field.
	MaxPayload = 65535
)

// Encode serializes frame, encrypting its body with c, and returns the
// complete wire representation (header + encrypted payload).
func Encode(f Frame, c cipher.Cipher) ([]byte, error) {
	var plaintext []byte
	var err error
	if f.Type == TypeData {
		if f.Data == nil {
			return nil, fmt.Errorf("%w: Data frame missing payload", ErrInvalid)
		}
		plaintext = f.Data.Payload
	} else {
		body, err2 := marshalBody(f)
		if err2 != nil {
			return nil, err2
		}
		plaintext = body
	}

	sealed, err := c.Seal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(sealed) > MaxPayload {
		return nil, fmt.Errorf("codec: encrypted payload %d exceeds max %d", len(sealed), MaxPayload)
	}

	out := make([]byte, headerSize+len(sealed))
	binary.BigEndian.PutUint32(out[0:4], magic)
	out[4] = version
	out[5] = byte(f.Type)
	binary.BigEndian.PutUint16(out[6:8], uint16(len(sealed)))
	copy(out[headerSize:], sealed)
	return out, nil
}

// Decode attempts to parse one frame from the front of b. On success it
// returns the frame and the number of bytes consumed; the caller advances
// its buffer by exactly that amount. Decode never consumes a partial frame:
// it either returns a full frame plus its exact byte length, or one of
// ErrTooShort / ErrInvalid / ErrDecryptionFailed with zero bytes consumed.
func Decode(b []byte, c cipher.Cipher) (Frame, int, error) {
	if len(b) < headerSize {
		return Frame{}, 0, ErrTooShort
	}
	gotMagic := binary.BigEndian.Uint32(b[0:4])
	gotVersion := b[4]
	typ := Type(b[5])
	payloadLen := int(binary.BigEndian.Uint16(b[6:8]))

	if gotMagic != magic || gotVersion != version || !typ.known() {
		return Frame{}, 0, ErrInvalid
	}
	if len(b) < headerSize+payloadLen {
		return Frame{}, 0, ErrTooShort
	}

	sealed := make([]byte, payloadLen)
	copy(sealed, b[headerSize:headerSize+payloadLen])

	plaintext, err := c.Open(sealed)
	if err != nil {
		return Frame{}, 0, ErrDecryptionFailed
	}

	frame := Frame{Type: typ}
	if typ == TypeData {
		frame.Data = &Data{Payload: plaintext}
		return frame, headerSize + payloadLen, nil
	}

	if err := unmarshalBody(&frame, plaintext); err != nil {
		return Frame{}, 0, ErrInvalid
	}
	return frame, headerSize + payloadLen, nil
}

func marshalBody(f Frame) ([]byte, error) {
	var v interface{}
	switch f.Type {
	case TypeHandshake:
		v = f.Handshake
	case TypeHandshakeReply:
		v = f.HandshakeReply
	case TypeKeepAlive:
		v = f.KeepAlive
	case TypePeerUpdate:
		v = f.PeerUpdate
	case TypeProbeIPv6:
		v = f.ProbeIPv6
	case TypeProbeHolePunch:
		v = f.ProbeHolePunch
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrInvalid, f.Type)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s frame missing body", ErrInvalid, f.Type)
	}
	return json.Marshal(v)
}

func unmarshalBody(f *Frame, body []byte) error {
	switch f.Type {
	case TypeHandshake:
		var v Handshake
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		f.Handshake = &v
	case TypeHandshakeReply:
		var v HandshakeReply
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		f.HandshakeReply = &v
	case TypeKeepAlive:
		var v KeepAlive
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		f.KeepAlive = &v
	case TypePeerUpdate:
		var v PeerUpdate
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		f.PeerUpdate = &v
	case TypeProbeIPv6:
		var v ProbeIPv6
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		f.ProbeIPv6 = &v
	case TypeProbeHolePunch:
		var v ProbeHolePunch
		if err := json.Unmarshal(body, &v); err != nil {
			return err
		}
		f.ProbeHolePunch = &v
	default:
		return fmt.Errorf("%w: unknown type %d", ErrInvalid, f.Type)
	}
	return nil
}
