package tick

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// RequestSize is the width of the request field; it bounds the number of ticks per download.
const RequestSize = 1

// MaxTicks is the largest tick count a single request can carry.
const MaxTicks = 1<<(8*RequestSize) - 1

// FrameSize is the size of one notified tick value.
const FrameSize = 4

var (
	// ErrInvalidArgument is returned for a tick count outside 1..MaxTicks.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMalformedFrame is returned for a notification that is not exactly FrameSize bytes.
	ErrMalformedFrame = errors.New("malformed tick frame")
)

// EncodeRequest returns the request for n ticks.
func EncodeRequest(n int) ([]byte, error) {
	if n <= 0 || n > MaxTicks {
		return nil, fmt.Errorf("%w: tick count %d out of range 1..%d", ErrInvalidArgument, n, MaxTicks)
	}
	return []byte{byte(n)}, nil
}

// DecodeTick decodes one little-endian tick frame.
func DecodeTick(frame []byte) (uint32, error) {
	if len(frame) != FrameSize {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedFrame, len(frame), FrameSize)
	}
	return binary.LittleEndian.Uint32(frame), nil
}

// EncodeTick encodes a tick value as sent by the peripheral.
func EncodeTick(v uint32) []byte {
	frame := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(frame, v)
	return frame
}
