package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"collabdraw/clock"
	"collabdraw/merge"
	"collabdraw/presence"
)

// ErrMalformedFrame marks a message that cannot be decoded into a frame.
var ErrMalformedFrame = errors.New("malformed frame")

// FrameType discriminates wire messages.
type FrameType string

const (
	// FrameOp carries one operation.
	FrameOp FrameType = "op"
	// FrameBatch carries several operations of one document, applied as a
	// unit. Relays replay history with it and peers use it to resync.
	FrameBatch FrameType = "batch"
	// FramePresence carries the complete metadata map of one peer.
	FramePresence FrameType = "presence"
	// FrameLeave announces that a peer disconnected.
	FrameLeave FrameType = "leave"
)

// Frame is the JSON message exchanged with a relay.
type Frame struct {
	Type        FrameType         `json:"type"`
	DocumentKey string            `json:"documentKey,omitempty"`
	Op          *merge.Operation  `json:"op,omitempty"`
	Ops         []merge.Operation `json:"ops,omitempty"`
	PeerID      clock.ActorID     `json:"peerId,omitempty"`
	Metadata    presence.Metadata `json:"metadata,omitempty"`
}

func EncodeFrame(f Frame) ([]byte, error) {
	buf, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return buf, nil
}

// DecodeFrame parses a frame and checks that it carries what its type needs.
// Operations inside are not validated; the merge engine drops malformed ones.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case FrameOp:
		if f.Op == nil {
			return Frame{}, fmt.Errorf("%w: op frame without op", ErrMalformedFrame)
		}
	case FrameBatch:
	case FramePresence, FrameLeave:
		if f.PeerID == "" {
			return Frame{}, fmt.Errorf("%w: %s frame without peer", ErrMalformedFrame, f.Type)
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
	}
	return f, nil
}
