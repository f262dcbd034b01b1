package lexicon

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"example.com/labeler/internal/domain"
	"github.com/fxamacker/cbor/v2"
)

// Encoding selects the frame format of one subscription.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// ParseEncoding accepts "", "json" and "cbor".
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "", string(EncodingJSON):
		return EncodingJSON, nil
	case string(EncodingCBOR):
		return EncodingCBOR, nil
	default:
		return "", fmt.Errorf("%w: unsupported encoding %q", domain.ErrBadRequest, s)
	}
}

// Frame types and stream error names.
const (
	TypeLabels = "#labels"
	TypeInfo   = "#info"
	TypeError  = "error"

	ErrorFutureCursor    = "FutureCursor"
	ErrorConsumerTooSlow = "ConsumerTooSlow"
	ErrorInternal        = "InternalError"
	InfoOutdatedCursor   = "OutdatedCursor"
)

// Event-stream header ops.
const (
	opMessage int64 = 1
	opError   int64 = -1
)

type header struct {
	Op int64  `cbor:"op"`
	T  string `cbor:"t,omitempty"`
}

// LabelsFrame is the body of a #labels frame.
type LabelsFrame struct {
	Seq    int64   `json:"seq" cbor:"seq"`
	Labels []Label `json:"labels" cbor:"labels"`
}

// InfoFrame is the body of a #info frame.
type InfoFrame struct {
	Type    string `json:"$type,omitempty" cbor:"-"`
	Name    string `json:"name" cbor:"name"`
	Message string `json:"message,omitempty" cbor:"message,omitempty"`
}

// ErrorFrame is the body of an error frame; the stream ends after it.
type ErrorFrame struct {
	Error   string `json:"error" cbor:"error"`
	Message string `json:"message,omitempty" cbor:"message,omitempty"`
}

var frameEnc cbor.EncMode

func init() {
	var err error
	frameEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("lexicon: CBOR encoder initialization failed: " + err.Error())
	}
}

// EncodeLabels encodes a single-label frame carrying its own seq.
func EncodeLabels(enc Encoding, l domain.Label) ([]byte, error) {
	body := LabelsFrame{Seq: l.Seq, Labels: []Label{FromLabel(l)}}
	if enc == EncodingCBOR {
		return encodeCBOR(header{Op: opMessage, T: TypeLabels}, body)
	}
	return json.Marshal(body)
}

func EncodeInfo(enc Encoding, name, message string) ([]byte, error) {
	body := InfoFrame{Name: name, Message: message}
	if enc == EncodingCBOR {
		return encodeCBOR(header{Op: opMessage, T: TypeInfo}, body)
	}
	body.Type = TypeInfo
	return json.Marshal(body)
}

func EncodeError(enc Encoding, name, message string) ([]byte, error) {
	body := ErrorFrame{Error: name, Message: message}
	if enc == EncodingCBOR {
		return encodeCBOR(header{Op: opError}, body)
	}
	return json.Marshal(body)
}

func encodeCBOR(h header, body any) ([]byte, error) {
	var buf bytes.Buffer
	e := frameEnc.NewEncoder(&buf)
	if err := e.Encode(h); err != nil {
		return nil, fmt.Errorf("encoding frame header: %w", err)
	}
	if err := e.Encode(body); err != nil {
		return nil, fmt.Errorf("encoding frame body: %w", err)
	}
	return buf.Bytes(), nil
}

// Frame is a decoded frame of any type.
type Frame struct {
	Type   string
	Labels *LabelsFrame
	Info   *InfoFrame
	Error  *ErrorFrame
}

// DecodeFrame parses a frame produced by one of the Encode functions.
func DecodeFrame(enc Encoding, data []byte) (Frame, error) {
	if enc == EncodingCBOR {
		return decodeCBOR(data)
	}
	return decodeJSON(data)
}

func decodeJSON(data []byte) (Frame, error) {
	var probe struct {
		Type  string          `json:"$type"`
		Error string          `json:"error"`
		Seq   json.RawMessage `json:"seq"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	switch {
	case probe.Error != "":
		var f ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Frame{}, err
		}
		return Frame{Type: TypeError, Error: &f}, nil
	case probe.Type == TypeInfo:
		var f InfoFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Frame{}, err
		}
		return Frame{Type: TypeInfo, Info: &f}, nil
	case probe.Seq != nil:
		var f LabelsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return Frame{}, err
		}
		return Frame{Type: TypeLabels, Labels: &f}, nil
	default:
		return Frame{}, errors.New("decoding frame: unknown frame type")
	}
}

func decodeCBOR(data []byte) (Frame, error) {
	d := cbor.NewDecoder(bytes.NewReader(data))
	var h header
	if err := d.Decode(&h); err != nil {
		return Frame{}, fmt.Errorf("decoding frame header: %w", err)
	}
	switch {
	case h.Op == opError:
		var f ErrorFrame
		if err := d.Decode(&f); err != nil {
			return Frame{}, fmt.Errorf("decoding error frame: %w", err)
		}
		return Frame{Type: TypeError, Error: &f}, nil
	case h.Op == opMessage && h.T == TypeInfo:
		var f InfoFrame
		if err := d.Decode(&f); err != nil {
			return Frame{}, fmt.Errorf("decoding info frame: %w", err)
		}
		f.Type = TypeInfo
		return Frame{Type: TypeInfo, Info: &f}, nil
	case h.Op == opMessage && h.T == TypeLabels:
		var f LabelsFrame
		if err := d.Decode(&f); err != nil {
			return Frame{}, fmt.Errorf("decoding labels frame: %w", err)
		}
		return Frame{Type: TypeLabels, Labels: &f}, nil
	default:
		return Frame{}, fmt.Errorf("decoding frame: unknown header op=%d t=%q", h.Op, h.T)
	}
}
