package codec

import (
	"encoding/json"
	"fmt"
)

// Codec converts between application-level envelope values and wire
// frames. A frame is either a text frame (JSON) or a binary frame
// (CBOR); Encode reports which kind it produced so the transport layer
// sends it with the matching frame opcode.
type Codec interface {
	// Name identifies the codec for logging and the "auto" resolver.
	Name() string
	// Encode serializes v into wire bytes. The bool return is true when
	// the payload must travel as a text frame, false for binary.
	Encode(v any) ([]byte, bool, error)
	// Decode parses wire bytes back into an envelope value. isText
	// reports which frame type payload arrived on, which the "auto"
	// codec uses to pick JSON vs CBOR decoding.
	Decode(payload []byte, isText bool) (any, error)
}

// jsonCodec implements Codec over encoding/json, always as text frames.
type jsonCodec struct{}

// JSON is the JSON codec singleton.
var JSON Codec = jsonCodec{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(v any) ([]byte, bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("codec: json encode: %w", err)
	}
	return b, true, nil
}

func (jsonCodec) Decode(payload []byte, isText bool) (any, error) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("codec: json decode: %w", err)
	}
	return v, nil
}

// cborCodec implements Codec over the package's self-contained CBOR
// encoder, always as binary frames.
type cborCodec struct{}

// CBOR is the CBOR codec singleton.
var CBOR Codec = cborCodec{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Encode(v any) ([]byte, bool, error) {
	b, err := EncodeCBOR(v)
	if err != nil {
		return nil, false, fmt.Errorf("codec: cbor encode: %w", err)
	}
	return b, false, nil
}

// Decode accepts binary CBOR frames via the package's own codec, but
// also accepts text frames (and falls back to JSON if a binary frame
// fails to parse as CBOR) since some servers mix frame types.
func (cborCodec) Decode(payload []byte, isText bool) (any, error) {
	if isText {
		return JSON.Decode(payload, isText)
	}
	v, err := DecodeCBOR(payload)
	if err != nil {
		if jv, jerr := JSON.Decode(payload, true); jerr == nil {
			return jv, nil
		}
		return nil, fmt.Errorf("codec: cbor decode: %w", err)
	}
	return v, nil
}

// autoCodec encodes as JSON (the common case) but decodes whichever
// wire format the incoming frame actually used, keyed off the frame's
// text/binary marker. This lets a client default to JSON while still
// accepting a CBOR frame from a peer that chose to send one.
type autoCodec struct{}

// Auto is the auto-detecting codec singleton: encodes JSON, decodes by
// frame type.
var Auto Codec = autoCodec{}

func (autoCodec) Name() string { return "auto" }

func (autoCodec) Encode(v any) ([]byte, bool, error) {
	return JSON.Encode(v)
}

func (autoCodec) Decode(payload []byte, isText bool) (any, error) {
	if isText {
		return JSON.Decode(payload, isText)
	}
	return CBOR.Decode(payload, isText)
}

// Resolve returns the Codec for a configuration value, which may be a
// codec name ("json", "cbor", "auto") or an already-constructed Codec
// (for callers injecting a custom implementation).
func Resolve(nameOrInstance any) (Codec, error) {
	switch v := nameOrInstance.(type) {
	case Codec:
		return v, nil
	case string:
		switch v {
		case "", "json":
			return JSON, nil
		case "cbor":
			return CBOR, nil
		case "auto":
			return Auto, nil
		default:
			return nil, fmt.Errorf("codec: unknown codec name %q", v)
		}
	default:
		return nil, fmt.Errorf("codec: unsupported codec selector type %T", nameOrInstance)
	}
}
