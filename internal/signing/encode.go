package signing

import (
	"example.com/labeler/internal/domain"
	"github.com/fxamacker/cbor/v2"
)

// encMode produces the bytes that get signed. Canonical mode sorts map
// keys shortest-first then bytewise and uses the smallest integer form,
// matching DAG-CBOR, so any implementation can rebuild the same bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("signing: CBOR encoder initialization failed: " + err.Error())
	}
}

// Payload returns the signed field map: absent optional fields are
// omitted, and neg appears only when true.
func Payload(ver int64, l domain.UnsignedLabel) map[string]any {
	m := map[string]any{
		"ver": ver,
		"src": l.Src,
		"uri": l.URI,
		"val": l.Val,
		"cts": l.Cts,
	}
	if l.CID != "" {
		m["cid"] = l.CID
	}
	if l.Neg {
		m["neg"] = true
	}
	if l.Exp != "" {
		m["exp"] = l.Exp
	}
	return m
}

// Encode returns the canonical CBOR encoding of a label without its sig.
func Encode(l domain.Label) ([]byte, error) {
	ver := l.Ver
	if ver == 0 {
		ver = domain.LabelVersion
	}
	return encMode.Marshal(Payload(ver, l.Unsigned()))
}
