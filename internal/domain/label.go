package domain

// LabelVersion is the only label record version this service emits.
const LabelVersion = 1

// UnsignedLabel is a label as submitted by an issuer, before signing.
// cts and exp are RFC 3339 datetimes and are kept as the exact strings
// supplied, since they are part of the signed bytes.
type UnsignedLabel struct {
	Src string `json:"src"`
	URI string `json:"uri"`
	CID string `json:"cid,omitempty"`
	Val string `json:"val"`
	Neg bool   `json:"neg,omitempty"`
	Cts string `json:"cts"`
	Exp string `json:"exp,omitempty"`
}

// Label is a signed label event. Seq is zero until the store assigns it.
type Label struct {
	Seq int64
	Ver int64
	Src string
	URI string
	CID string
	Val string
	Neg bool
	Cts string
	Exp string
	Sig []byte
}

// Unsigned returns the label without its seq and signature.
func (l Label) Unsigned() UnsignedLabel {
	return UnsignedLabel{
		Src: l.Src,
		URI: l.URI,
		CID: l.CID,
		Val: l.Val,
		Neg: l.Neg,
		Cts: l.Cts,
		Exp: l.Exp,
	}
}

// Key identifies the assertion a label event belongs to.
type Key struct {
	Src string
	URI string
	Val string
}

func (l Label) Key() Key {
	return Key{Src: l.Src, URI: l.URI, Val: l.Val}
}

// Validation constraints, taken from the label lexicon.
const (
	MaxValLen = 128
	MaxSrcLen = 8192
	MaxURILen = 8192
	MaxBatch  = 100
)
