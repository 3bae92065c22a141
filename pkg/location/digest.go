package location

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical JSON form of v.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func canonicalHash(v any) (common.Hash, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(canonical), nil
}

func (s Stamp) normalized() Stamp {
	s.Timestamp = s.Timestamp.UTC()
	return s
}

// Digest returns keccak256 over the canonical JSON of the stamp. It is the
// stamp's bytes32 input reference in attestations.
func (s Stamp) Digest() (common.Hash, error) {
	h, err := canonicalHash(s.normalized())
	if err != nil {
		return common.Hash{}, fmt.Errorf("digest stamp: %w", err)
	}
	return h, nil
}

// SigningHash returns the hash an evidence source signs: the digest of the
// stamp with its signature removed.
func (s Stamp) SigningHash() (common.Hash, error) {
	unsigned := s.normalized()
	unsigned.Signature = nil
	h, err := canonicalHash(unsigned)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing hash: %w", err)
	}
	return h, nil
}

// Hash returns keccak256 over the canonical JSON of the claim.
func (c Claim) Hash() (common.Hash, error) {
	normalized := c.Clone()
	normalized.Window = c.Window.utc()
	h, err := canonicalHash(normalized)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash claim: %w", err)
	}
	return h, nil
}
