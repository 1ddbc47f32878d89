// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"errors"
	"fmt"
)

// chunkMagic opens every binary media frame. Anything else on the
// media channel is a JSON control message.
const chunkMagic = 0x01

// MaxChunkIDLength is the largest request ID a frame can carry; the
// length field is one byte.
const MaxChunkIDLength = 255

// ErrMalformedChunk is wrapped by every DecodeChunk failure. A
// misbehaving peer's frame must fail decoding, never panic the
// connection handler.
var ErrMalformedChunk = errors.New("malformed media chunk")

// EncodeChunk frames one payload slice for the media channel:
//
//	0x01 | id_len (1 byte) | request_id bytes | payload bytes
//
// Every chunk self-identifies its request because concurrent streams
// share one channel and the transport associates nothing for us.
func EncodeChunk(requestID string, payload []byte) ([]byte, error) {
	if requestID == "" {
		return nil, fmt.Errorf("signal: chunk request ID is empty")
	}
	if len(requestID) > MaxChunkIDLength {
		return nil, fmt.Errorf("signal: chunk request ID length %d exceeds %d", len(requestID), MaxChunkIDLength)
	}

	frame := make([]byte, 0, 2+len(requestID)+len(payload))
	frame = append(frame, chunkMagic, byte(len(requestID)))
	frame = append(frame, requestID...)
	frame = append(frame, payload...)
	return frame, nil
}

// DecodeChunk parses one media frame, with explicit bounds checks
// against the declared ID length. The returned payload aliases the
// input.
func DecodeChunk(frame []byte) (requestID string, payload []byte, err error) {
	if len(frame) < 2 {
		return "", nil, fmt.Errorf("%w: %d bytes, need at least 2", ErrMalformedChunk, len(frame))
	}
	if frame[0] != chunkMagic {
		return "", nil, fmt.Errorf("%w: leading byte 0x%02x, want 0x%02x", ErrMalformedChunk, frame[0], chunkMagic)
	}
	idLength := int(frame[1])
	if idLength == 0 {
		return "", nil, fmt.Errorf("%w: zero-length request ID", ErrMalformedChunk)
	}
	if len(frame) < 2+idLength {
		return "", nil, fmt.Errorf("%w: frame of %d bytes shorter than declared ID length %d",
			ErrMalformedChunk, len(frame), idLength)
	}
	return string(frame[2 : 2+idLength]), frame[2+idLength:], nil
}

// IsChunk reports whether data looks like a binary media frame rather
// than a JSON control message.
func IsChunk(data []byte) bool {
	return len(data) > 0 && data[0] == chunkMagic
}
