package message

import (
	"fmt"

	"github.com/panta82/duplex-message/pkg/message/codec"
)

// Format is a compact on-wire indicator of envelope encoding, carried as the
// first byte of every transport frame.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCBOR
	FormatProto
)

const (
	ContentUnknown = "application/octet-stream"
	ContentJSON    = "application/json"
	ContentCBOR    = "application/cbor"
	ContentProto   = "application/x-protobuf"
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return ContentJSON
	case FormatCBOR:
		return ContentCBOR
	case FormatProto:
		return ContentProto
	default:
		return ContentUnknown
	}
}

// ParseFormat maps a config-level name to a Format.
func ParseFormat(name string) (Format, error) {
	switch name {
	case "json", ContentJSON:
		return FormatJSON, nil
	case "cbor", ContentCBOR:
		return FormatCBOR, nil
	case "proto", "protobuf", ContentProto:
		return FormatProto, nil
	default:
		return FormatUnknown, fmt.Errorf("unknown format: %q", name)
	}
}

// CodecFor returns the registered codec for f, falling back to the built-in
// one when the registry has no entry.
func CodecFor(r *codec.Registry, f Format) (codec.Codec, error) {
	switch f {
	case FormatJSON:
		if c := r.Get(ContentJSON); c != nil {
			return c, nil
		}
		return codec.JSON(), nil
	case FormatCBOR:
		if c := r.Get(ContentCBOR); c != nil {
			return c, nil
		}
		return codec.CBOR()
	case FormatProto:
		if c := r.Get(ContentProto); c != nil {
			return c, nil
		}
		return codec.Proto(), nil
	default:
		return nil, fmt.Errorf("unknown format: %d", f)
	}
}

// Encode serializes e and prefixes the frame with a single format byte, so
// the receiving side can decode without out-of-band agreement.
func Encode(r *codec.Registry, f Format, e *Envelope) ([]byte, error) {
	c, err := CodecFor(r, f)
	if err != nil {
		return nil, err
	}
	b, err := c.Marshal(e)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(b))
	out[0] = byte(f)
	copy(out[1:], b)
	return out, nil
}

// Decode parses a frame produced by Encode.
func Decode(r *codec.Registry, frame []byte) (*Envelope, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	c, err := CodecFor(r, Format(frame[0]))
	if err != nil {
		return nil, err
	}
	var e Envelope
	if err := c.Unmarshal(frame[1:], &e); err != nil {
		return nil, err
	}
	return &e, nil
}
