package nvr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	// packetHeaderSize is the size of the header in front of every packet.
	packetHeaderSize = 8
	// packetSizeOffset is where the big-endian body size sits in the header.
	packetSizeOffset = 4
)

var ErrDecode = errors.New("unable to decode frame")

// DecodeError identifies which part of an update frame could not be decoded.
type DecodeError struct {
	Stage string // "header", "action" or "payload"
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// ActionFrame is the first packet of an update frame; it says which model
// object changed and how.
type ActionFrame struct {
	Action      string `json:"action"`
	ID          string `json:"id"`
	ModelKey    string `json:"modelKey"`
	NewUpdateID string `json:"newUpdateId"`
}

// Frame is one decoded update message. Payload is always a JSON object whose
// shape depends on the action's model key.
type Frame struct {
	Action  ActionFrame
	Payload json.RawMessage
}

// DecodeFrame splits a raw update message into its action and payload
// packets. Each packet is an 8 byte header followed by a zlib compressed JSON
// body; the action header carries the body size that locates the payload.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < packetHeaderSize {
		return nil, &DecodeError{Stage: "header", Err: fmt.Errorf("frame too short: %d bytes", len(b))}
	}

	size := binary.BigEndian.Uint32(b[packetSizeOffset:packetHeaderSize])
	dataOffset := uint64(size) + packetHeaderSize
	if dataOffset+packetHeaderSize > uint64(len(b)) {
		return nil, &DecodeError{Stage: "header", Err: fmt.Errorf("payload offset %d beyond frame of %d bytes", dataOffset, len(b))}
	}

	var action ActionFrame
	if err := decodePacket(b[:dataOffset], &action); err != nil {
		return nil, &DecodeError{Stage: "action", Err: err}
	}

	var payload map[string]json.RawMessage
	raw, err := inflatePacket(b[dataOffset:])
	if err == nil {
		err = json.Unmarshal(raw, &payload)
	}
	if err == nil && payload == nil {
		err = errors.New("payload is not an object")
	}
	if err != nil {
		return nil, &DecodeError{Stage: "payload", Err: err}
	}

	return &Frame{Action: action, Payload: raw}, nil
}

// Bind unmarshals the payload into v.
func (f *Frame) Bind(v any) error {
	return json.Unmarshal(f.Payload, v)
}

func decodePacket(packet []byte, v any) error {
	raw, err := inflatePacket(packet)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func inflatePacket(packet []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(packet[packetHeaderSize:]))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
