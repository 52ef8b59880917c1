package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single request-response frame. Prompts and
// completions travel inside it, so the cap is generous but finite.
const MaxFrameSize = 16 << 20 // 16 MiB

var (
	// ErrFrameTooLarge is returned when a peer announces a frame above
	// MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

	// ErrUnexpectedTag is returned when a reply carries a tag the caller
	// did not ask for.
	ErrUnexpectedTag = errors.New("wire: unexpected message tag")
)

// Deterministic encoding: signatures cover CBOR bytes, so encode/decode must
// round-trip bit-exactly across peers.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: build enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 16,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: build dec mode: %v", err))
	}
}

// Marshal encodes v with the protocol's deterministic CBOR mode.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes protocol CBOR into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode wraps a payload in an Envelope with the given tag and returns the
// CBOR bytes.
func Encode(tag Tag, payload any) ([]byte, error) {
	raw, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal tag %d payload: %w", tag, err)
	}
	env := Envelope{Tag: tag, Payload: raw}
	b, err := Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return b, nil
}

// Decode parses envelope bytes and returns the tag and raw payload.
func Decode(data []byte) (Tag, cbor.RawMessage, error) {
	var env Envelope
	if err := Unmarshal(data, &env); err != nil {
		return 0, nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return env.Tag, env.Payload, nil
}

// DecodePayload decodes an envelope's raw payload into v.
func DecodePayload(raw cbor.RawMessage, v any) error {
	if err := Unmarshal(raw, v); err != nil {
		return fmt.Errorf("wire: unmarshal payload: %w", err)
	}
	return nil
}

// WriteFrame writes a length-prefixed frame: 4-byte big-endian length
// followed by the envelope bytes.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("wire: read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return data, nil
}
