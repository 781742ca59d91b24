package codec

import "errors"

// Frame-level error taxonomy. These are local to one frame: TooShort means
// "read more bytes and try again"; Invalid and DecryptionFailed mean "this
// frame is unusable" and, on a byte stream, desynchronize the reader — the
// caller must close the connection.
var (
	ErrTooShort         = errors.New("codec: frame too short")
	ErrInvalid          = errors.New("codec: invalid frame")
	ErrDecryptionFailed = errors.New("codec: decryption failed")
)
