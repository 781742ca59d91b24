package relay

import "errors"

var (
	errFirstFrameNotHandshake = errors.New("relay: first frame was not Handshake")
	errUnknownIdentity        = errors.New("relay: unknown identity")
)
