package attestation

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"GeoAttest-Chain/internal/credibility"
	xerrors "GeoAttest-Chain/internal/errors"
	"GeoAttest-Chain/pkg/location"
)

// Subject is everything the encoder needs from an assessment.
type Subject struct {
	ID       string
	Claim    location.Claim
	Vector   credibility.Vector
	Refs     []common.Hash
	IssuedAt time.Time
}

// Attestation is an encoded record tagged with its schema.
type Attestation struct {
	Schema Kind          `json:"schema"`
	UID    common.Hash   `json:"uid"`
	Data   hexutil.Bytes `json:"data"`
}

// Encoder maps assessments onto the registered schemas.
type Encoder struct {
	schemas Schemas
	uriBase string
}

// NewEncoder returns an encoder for schemas. uriBase prefixes the
// credibility URI of verify records.
func NewEncoder(schemas Schemas, uriBase string) *Encoder {
	return &Encoder{schemas: schemas, uriBase: strings.TrimRight(uriBase, "/")}
}

// Schemas returns the layouts the encoder writes.
func (e *Encoder) Schemas() Schemas { return e.schemas }

// DefaultKind picks the policy layout matching the claim operation.
func DefaultKind(op location.Operation) Kind {
	if op.Numeric() {
		return KindNumeric
	}
	return KindBoolean
}

// SortedRefs returns the stamp digests in ascending byte order.
func SortedRefs(refs []common.Hash) []common.Hash {
	if len(refs) == 0 {
		return nil
	}
	sorted := slices.Clone(refs)
	slices.SortFunc(sorted, func(a, b common.Hash) int { return bytes.Compare(a[:], b[:]) })
	return sorted
}

// ProofHash is keccak256 over the concatenated sorted digests.
func ProofHash(refs []common.Hash) common.Hash {
	sorted := SortedRefs(refs)
	parts := make([][]byte, len(sorted))
	for i := range sorted {
		parts[i] = sorted[i][:]
	}
	return crypto.Keccak256Hash(parts...)
}

// Confidence maps the overall score to a percentage.
func Confidence(overall float64) uint8 {
	pct := math.Round(overall * 100)
	switch {
	case math.IsNaN(pct) || pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return uint8(pct)
}

// Encode builds the record of kind for s. An empty kind selects the policy
// layout of the claim operation. Unverifiable assessments cannot be encoded
// as policy records.
func (e *Encoder) Encode(s Subject, kind Kind) (Attestation, error) {
	if kind == "" {
		kind = DefaultKind(s.Claim.Operation)
	}
	schema, ok := e.schemas.Get(kind)
	if !ok {
		return Attestation{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown schema %q", kind))
	}

	var (
		data []byte
		err  error
	)
	switch kind {
	case KindBoolean:
		if !s.Claim.Operation.Boolean() {
			return Attestation{}, mismatchedOperation(kind, s.Claim.Operation)
		}
		if s.Vector.Unverifiable() {
			return Attestation{}, unverifiable(s.ID)
		}
		data, err = EncodeBoolean(BooleanRecord{
			Result:    s.Vector.Result,
			InputRefs: SortedRefs(s.Refs),
			Timestamp: unix(s.IssuedAt),
			Operation: string(s.Claim.Operation),
		})
	case KindNumeric:
		if !s.Claim.Operation.Numeric() {
			return Attestation{}, mismatchedOperation(kind, s.Claim.Operation)
		}
		if s.Vector.Unverifiable() {
			return Attestation{}, unverifiable(s.ID)
		}
		fixed, ferr := ToFixed(s.Vector.Value, s.Vector.Units)
		if ferr != nil {
			return Attestation{}, xerrors.Wrap(xerrors.CodeInvalidArgument, ferr, "scale numeric result")
		}
		data, err = EncodeNumeric(NumericRecord{
			Result:    fixed,
			Units:     s.Vector.Units,
			InputRefs: SortedRefs(s.Refs),
			Timestamp: unix(s.IssuedAt),
			Operation: string(s.Claim.Operation),
		})
	case KindVerify:
		claimHash, herr := s.Claim.Hash()
		if herr != nil {
			return Attestation{}, xerrors.Wrap(xerrors.CodeInvalidArgument, herr, "hash claim")
		}
		data, err = EncodeVerify(VerifyRecord{
			ClaimHash:      claimHash,
			ProofHash:      ProofHash(s.Refs),
			Confidence:     Confidence(s.Vector.Overall),
			CredibilityURI: e.credibilityURI(s.ID),
		})
	}
	if err != nil {
		return Attestation{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("encode %s record", kind))
	}
	return Attestation{Schema: kind, UID: schema.UID(), Data: data}, nil
}

func (e *Encoder) credibilityURI(id string) string {
	if e.uriBase == "" || id == "" {
		return id
	}
	return e.uriBase + "/" + id
}

func unix(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

func unverifiable(id string) error {
	return xerrors.New(xerrors.CodeUnverifiableClaim, "assessment "+id+" has no verified evidence")
}

func mismatchedOperation(kind Kind, op location.Operation) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s schema cannot carry operation %q", kind, op))
}
