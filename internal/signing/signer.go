// Package signing holds the service's secp256k1 label signing key.
//
// Signatures follow the AT Protocol convention: SHA-256 over the
// canonical CBOR payload, deterministic ECDSA (RFC 6979), serialised as
// the 64-byte r||s pair with S in the lower half of the curve order.
package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"example.com/labeler/internal/domain"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignatureSize is the length of a compact r||s signature.
const SignatureSize = 64

// secp256k1 multicodec prefix for did:key.
var didKeyPrefix = []byte{0xe7, 0x01}

var (
	ErrBadSignature = errors.New("signature does not verify")
	ErrHighS        = errors.New("signature is not low-S")
)

// Signer signs labels with one private key for its whole lifetime.
type Signer struct {
	key *secp256k1.PrivateKey
}

// NewSigner wraps an existing private key.
func NewSigner(key *secp256k1.PrivateKey) *Signer {
	return &Signer{key: key}
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating secp256k1 key: %w", err)
	}
	return &Signer{key: key}, nil
}

// ParseSigner decodes a hex-encoded 32-byte private key.
func ParseSigner(hexKey string) (*Signer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: signing key is not hex: %w", domain.ErrConfiguration, err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: signing key has %d bytes, want %d", domain.ErrConfiguration, len(raw), secp256k1.PrivKeyBytesLen)
	}
	key := secp256k1.PrivKeyFromBytes(raw)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("%w: signing key is zero", domain.ErrConfiguration)
	}
	return &Signer{key: key}, nil
}

// ExportHex returns the private key in the form ParseSigner accepts.
func (s *Signer) ExportHex() string {
	return hex.EncodeToString(s.key.Serialize())
}

func (s *Signer) PublicKey() *secp256k1.PublicKey {
	return s.key.PubKey()
}

// DIDKey renders the public key as a did:key identifier.
func (s *Signer) DIDKey() string {
	return DIDKey(s.key.PubKey())
}

// Sign encodes the label and returns it with Ver and Sig populated. Cts
// is passed through untouched.
func (s *Signer) Sign(u domain.UnsignedLabel) (domain.Label, error) {
	l := domain.Label{
		Ver: domain.LabelVersion,
		Src: u.Src,
		URI: u.URI,
		CID: u.CID,
		Val: u.Val,
		Neg: u.Neg,
		Cts: u.Cts,
		Exp: u.Exp,
	}
	payload, err := Encode(l)
	if err != nil {
		return domain.Label{}, fmt.Errorf("encoding label: %w", err)
	}
	hash := sha256.Sum256(payload)
	sig := ecdsa.Sign(s.key, hash[:])

	r, sv := sig.R(), sig.S()
	rb, sb := r.Bytes(), sv.Bytes()
	l.Sig = make([]byte, 0, SignatureSize)
	l.Sig = append(l.Sig, rb[:]...)
	l.Sig = append(l.Sig, sb[:]...)
	return l, nil
}

// Verify checks l.Sig against pub over the re-encoded label.
func Verify(pub *secp256k1.PublicKey, l domain.Label) error {
	if len(l.Sig) != SignatureSize {
		return fmt.Errorf("%w: signature has %d bytes, want %d", ErrBadSignature, len(l.Sig), SignatureSize)
	}
	var r, sv secp256k1.ModNScalar
	if overflow := r.SetByteSlice(l.Sig[:32]); overflow || r.IsZero() {
		return fmt.Errorf("%w: invalid r", ErrBadSignature)
	}
	if overflow := sv.SetByteSlice(l.Sig[32:]); overflow || sv.IsZero() {
		return fmt.Errorf("%w: invalid s", ErrBadSignature)
	}
	if sv.IsOverHalfOrder() {
		return ErrHighS
	}
	payload, err := Encode(l)
	if err != nil {
		return fmt.Errorf("encoding label: %w", err)
	}
	hash := sha256.Sum256(payload)
	if !ecdsa.NewSignature(&r, &sv).Verify(hash[:], pub) {
		return ErrBadSignature
	}
	return nil
}

// DIDKey renders a compressed secp256k1 public key as did:key:z...
func DIDKey(pub *secp256k1.PublicKey) string {
	b := append(append([]byte{}, didKeyPrefix...), pub.SerializeCompressed()...)
	return "did:key:z" + base58.Encode(b)
}

// ParseDIDKey is the inverse of DIDKey.
func ParseDIDKey(did string) (*secp256k1.PublicKey, error) {
	const prefix = "did:key:z"
	if len(did) <= len(prefix) || did[:len(prefix)] != prefix {
		return nil, fmt.Errorf("not a base58btc did:key: %q", did)
	}
	b := base58.Decode(did[len(prefix):])
	if len(b) < len(didKeyPrefix) || b[0] != didKeyPrefix[0] || b[1] != didKeyPrefix[1] {
		return nil, fmt.Errorf("did:key %q is not a secp256k1 key", did)
	}
	pub, err := secp256k1.ParsePubKey(b[len(didKeyPrefix):])
	if err != nil {
		return nil, fmt.Errorf("parsing did:key %q: %w", did, err)
	}
	return pub, nil
}
