// Package lexicon holds the wire forms of labels: JSON for query
// responses and text frames, CBOR for binary event-stream frames.
package lexicon

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"example.com/labeler/internal/domain"
)

// Bytes renders as {"$bytes": "<base64 without padding>"} in JSON and as a
// plain byte string in CBOR.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Bytes string `json:"$bytes"`
	}{base64.RawStdEncoding.EncodeToString(b)})
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var v struct {
		Bytes string `json:"$bytes"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	// Accept padded input from clients that add it.
	raw, err := base64.RawStdEncoding.DecodeString(string(bytes.TrimRight([]byte(v.Bytes), "=")))
	if err != nil {
		return fmt.Errorf("decoding $bytes: %w", err)
	}
	*b = raw
	return nil
}

// Label is the signed label as it appears on the wire. Seq is not part
// of the record; frames carry it separately.
type Label struct {
	Ver int64  `json:"ver" cbor:"ver"`
	Src string `json:"src" cbor:"src"`
	URI string `json:"uri" cbor:"uri"`
	CID string `json:"cid,omitempty" cbor:"cid,omitempty"`
	Val string `json:"val" cbor:"val"`
	Neg bool   `json:"neg,omitempty" cbor:"neg,omitempty"`
	Cts string `json:"cts" cbor:"cts"`
	Exp string `json:"exp,omitempty" cbor:"exp,omitempty"`
	Sig Bytes  `json:"sig" cbor:"sig"`
}

func FromLabel(l domain.Label) Label {
	return Label{
		Ver: l.Ver,
		Src: l.Src,
		URI: l.URI,
		CID: l.CID,
		Val: l.Val,
		Neg: l.Neg,
		Cts: l.Cts,
		Exp: l.Exp,
		Sig: Bytes(l.Sig),
	}
}

func FromLabels(ls []domain.Label) []Label {
	out := make([]Label, 0, len(ls))
	for _, l := range ls {
		out = append(out, FromLabel(l))
	}
	return out
}

// ToLabel converts back to the domain form with the given seq.
func (l Label) ToLabel(seq int64) domain.Label {
	return domain.Label{
		Seq: seq,
		Ver: l.Ver,
		Src: l.Src,
		URI: l.URI,
		CID: l.CID,
		Val: l.Val,
		Neg: l.Neg,
		Cts: l.Cts,
		Exp: l.Exp,
		Sig: []byte(l.Sig),
	}
}

// QueryResponse is the body of a queryLabels response.
type QueryResponse struct {
	Cursor string  `json:"cursor"`
	Labels []Label `json:"labels"`
}
