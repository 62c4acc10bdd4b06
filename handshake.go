package duplex

import (
	"errors"
	"time"
)

// HandshakeSize is the length of each handshake word on the wire.
const HandshakeSize = 8

// ErrHandshakeMismatch indicates a peer answered the nonce with the wrong value.
var ErrHandshakeMismatch = errors.New("handshake mismatch")

const (
	scrambleIn  uint64 = 0xA87F20CD4A89BB2C
	scrambleHi  uint64 = 0x2FF3300AA0BCDE25
	scrambleLo  uint64 = 0x8AF842BCDEAF2F02
	scrambleOut uint64 = 0xFB282810FAC82093
)

// Scramble is the transform a client applies to the server nonce. It only
// filters out peers that do not speak the protocol; it is not cryptographic.
func Scramble(in uint64) uint64 {
	out := in ^ scrambleIn
	out = (out&scrambleHi)>>4 | (out&scrambleLo)<<4
	return out ^ scrambleOut
}

// clockBase anchors nonces to wall time; the monotonic reading supplies the
// resolution.
var clockBase = time.Now()

func newNonce() uint64 {
	return uint64(clockBase.UnixNano()) + uint64(time.Since(clockBase))
}
