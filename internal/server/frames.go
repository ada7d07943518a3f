package server

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Binary frame kinds. A frame is a varint kind followed by its payload.
const (
	// FrameSyncStep1 carries an encoded state vector; the receiver answers
	// with FrameSyncStep2.
	FrameSyncStep1 uint64 = 0
	// FrameSyncStep2 carries the update the sender of a state vector lacks.
	FrameSyncStep2 uint64 = 1
	// FrameUpdate carries an incremental update.
	FrameUpdate uint64 = 2
)

var errMalformedFrame = errors.New("server: malformed frame")

// EncodeFrame prefixes payload with its kind.
func EncodeFrame(kind uint64, payload []byte) []byte {
	frame := protowire.AppendVarint(make([]byte, 0, len(payload)+1), kind)
	return append(frame, payload...)
}

// DecodeFrame splits a binary frame into its kind and payload.
func DecodeFrame(frame []byte) (uint64, []byte, error) {
	kind, n := protowire.ConsumeVarint(frame)
	if n < 0 {
		return 0, nil, fmt.Errorf("%w: %v", errMalformedFrame, protowire.ParseError(n))
	}
	switch kind {
	case FrameSyncStep1, FrameSyncStep2, FrameUpdate:
		return kind, frame[n:], nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown kind %d", errMalformedFrame, kind)
	}
}
