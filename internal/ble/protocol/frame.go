// Package protocol implements the IMBLE wire formats: the fixed 16-byte
// application frame carried over the read/write characteristics, and the
// advertisement data sections used during discovery.
package protocol

import (
	"errors"
	"fmt"
)

// Frame geometry.
const (
	MaxPayload = 12 // maximum application payload per frame
	HeaderSize = 4  // length byte + 3 reserved bytes
	FrameSize  = HeaderSize + MaxPayload
)

// ErrInvalidArgument reports a payload/offset/length precondition violation.
var ErrInvalidArgument = errors.New("invalid argument")

// Frame is an encoded outbound frame.
type Frame [FrameSize]byte

// EncodeFrame builds the frame carrying payload[offset:offset+length].
//
//	byte 0      length + HeaderSize - 1
//	bytes 1..3  reserved, zero
//	bytes 4..   payload, zero padded to FrameSize
func EncodeFrame(payload []byte, offset, length int) (Frame, error) {
	var f Frame
	if offset < 0 {
		return f, fmt.Errorf("protocol: offset %d is negative: %w", offset, ErrInvalidArgument)
	}
	if length < 0 || length > MaxPayload {
		return f, fmt.Errorf("protocol: length %d out of range [0, %d]: %w", length, MaxPayload, ErrInvalidArgument)
	}
	if offset > len(payload) || length > len(payload)-offset {
		return f, fmt.Errorf("protocol: offset %d + length %d exceeds payload size %d: %w",
			offset, length, len(payload), ErrInvalidArgument)
	}
	f[0] = byte(length + HeaderSize - 1)
	copy(f[HeaderSize:], payload[offset:offset+length])
	return f, nil
}

// Encode is EncodeFrame over the whole payload.
func Encode(payload []byte) (Frame, error) {
	return EncodeFrame(payload, 0, len(payload))
}

// DecodeFrame extracts the body of a received notification. It reports
// false for frames shorter than the header and for frames whose length
// byte claims more bytes than were received.
func DecodeFrame(data []byte) ([]byte, bool) {
	if len(data) < HeaderSize {
		return nil, false
	}
	total := int(data[0]) + 1
	if total < HeaderSize || len(data) < total {
		return nil, false
	}
	body := make([]byte, total-HeaderSize)
	copy(body, data[HeaderSize:total])
	return body, true
}
