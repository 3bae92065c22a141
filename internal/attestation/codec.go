package attestation

import (
	"bytes"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "GeoAttest-Chain/internal/errors"
	"GeoAttest-Chain/pkg/location"
)

// ErrSchemaMismatch is returned when bytes do not decode exactly under the
// requested layout.
var ErrSchemaMismatch = xerrors.New(xerrors.CodeSchemaMismatch, "")

// Fixed-point scale of numeric results per unit.
const (
	ScaleMeters       = 100
	ScaleSquareMeters = 10_000
)

// Scale returns the fixed-point factor for units.
func Scale(units string) (uint64, error) {
	switch units {
	case location.UnitsMeters:
		return ScaleMeters, nil
	case location.UnitsSquareMeters:
		return ScaleSquareMeters, nil
	}
	return 0, fmt.Errorf("unsupported units %q", units)
}

// ToFixed converts a measurement to its scaled integer.
func ToFixed(value float64, units string) (uint64, error) {
	scale, err := Scale(units)
	if err != nil {
		return 0, err
	}
	scaled := math.Round(value * float64(scale))
	if math.IsNaN(scaled) || scaled < 0 || scaled >= math.MaxUint64 {
		return 0, fmt.Errorf("value %v %s cannot be represented", value, units)
	}
	return uint64(scaled), nil
}

// BooleanRecord is the decoded boolean policy layout.
type BooleanRecord struct {
	Result    bool          `json:"result"`
	InputRefs []common.Hash `json:"input_refs"`
	Timestamp uint64        `json:"timestamp"`
	Operation string        `json:"operation"`
}

// NumericRecord is the decoded numeric policy layout. Result is scaled by
// Scale(Units).
type NumericRecord struct {
	Result    uint64        `json:"result"`
	Units     string        `json:"units"`
	InputRefs []common.Hash `json:"input_refs"`
	Timestamp uint64        `json:"timestamp"`
	Operation string        `json:"operation"`
}

// Value returns the measurement in Units, or NaN for unknown units.
func (r NumericRecord) Value() float64 {
	scale, err := Scale(r.Units)
	if err != nil {
		return math.NaN()
	}
	return float64(r.Result) / float64(scale)
}

// VerifyRecord binds a claim to the evidence digest and confidence.
type VerifyRecord struct {
	ClaimHash      common.Hash `json:"claim_hash"`
	ProofHash      common.Hash `json:"proof_hash"`
	Confidence     uint8       `json:"confidence"`
	CredibilityURI string      `json:"credibility_uri"`
}

func toWords(refs []common.Hash) [][32]byte {
	words := make([][32]byte, len(refs))
	for i, r := range refs {
		words[i] = r
	}
	return words
}

func fromWords(words [][32]byte) []common.Hash {
	if len(words) == 0 {
		return nil
	}
	refs := make([]common.Hash, len(words))
	for i, w := range words {
		refs[i] = w
	}
	return refs
}

func u256(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// EncodeBoolean packs r into the boolean layout.
func EncodeBoolean(r BooleanRecord) ([]byte, error) {
	return booleanArgs.Pack(r.Result, toWords(r.InputRefs), u256(r.Timestamp), r.Operation)
}

// EncodeNumeric packs r into the numeric layout.
func EncodeNumeric(r NumericRecord) ([]byte, error) {
	return numericArgs.Pack(u256(r.Result), r.Units, toWords(r.InputRefs), u256(r.Timestamp), r.Operation)
}

// EncodeVerify packs r into the verify layout.
func EncodeVerify(r VerifyRecord) ([]byte, error) {
	return verifyArgs.Pack([32]byte(r.ClaimHash), [32]byte(r.ProofHash), r.Confidence, r.CredibilityURI)
}

// DecodeBoolean is the inverse of EncodeBoolean.
func DecodeBoolean(data []byte) (BooleanRecord, error) {
	var r BooleanRecord
	err := decode(KindBoolean, booleanArgs, data, func(values []any) error {
		var (
			ok  bool
			err error
		)
		if r.Result, ok = values[0].(bool); !ok {
			return typeError("result", values[0])
		}
		words, ok := values[1].([][32]byte)
		if !ok {
			return typeError("inputRefs", values[1])
		}
		r.InputRefs = fromWords(words)
		if r.Timestamp, err = uint64Field("timestamp", values[2]); err != nil {
			return err
		}
		if r.Operation, ok = values[3].(string); !ok {
			return typeError("operation", values[3])
		}
		return nil
	}, func() ([]byte, error) { return EncodeBoolean(r) })
	if err != nil {
		return BooleanRecord{}, err
	}
	return r, nil
}

// DecodeNumeric is the inverse of EncodeNumeric.
func DecodeNumeric(data []byte) (NumericRecord, error) {
	var r NumericRecord
	err := decode(KindNumeric, numericArgs, data, func(values []any) error {
		var err error
		if r.Result, err = uint64Field("result", values[0]); err != nil {
			return err
		}
		var ok bool
		if r.Units, ok = values[1].(string); !ok {
			return typeError("units", values[1])
		}
		words, ok := values[2].([][32]byte)
		if !ok {
			return typeError("inputRefs", values[2])
		}
		r.InputRefs = fromWords(words)
		if r.Timestamp, err = uint64Field("timestamp", values[3]); err != nil {
			return err
		}
		if r.Operation, ok = values[4].(string); !ok {
			return typeError("operation", values[4])
		}
		return nil
	}, func() ([]byte, error) { return EncodeNumeric(r) })
	if err != nil {
		return NumericRecord{}, err
	}
	return r, nil
}

// DecodeVerify is the inverse of EncodeVerify.
func DecodeVerify(data []byte) (VerifyRecord, error) {
	var r VerifyRecord
	err := decode(KindVerify, verifyArgs, data, func(values []any) error {
		claim, ok := values[0].([32]byte)
		if !ok {
			return typeError("claim_hash", values[0])
		}
		proof, ok := values[1].([32]byte)
		if !ok {
			return typeError("proof_hash", values[1])
		}
		r.ClaimHash, r.ProofHash = claim, proof
		if r.Confidence, ok = values[2].(uint8); !ok {
			return typeError("confidence", values[2])
		}
		if r.CredibilityURI, ok = values[3].(string); !ok {
			return typeError("credibility_uri", values[3])
		}
		return nil
	}, func() ([]byte, error) { return EncodeVerify(r) })
	if err != nil {
		return VerifyRecord{}, err
	}
	return r, nil
}

// Decode dispatches on kind and returns the matching record type.
func Decode(kind Kind, data []byte) (any, error) {
	switch kind {
	case KindBoolean:
		return DecodeBoolean(data)
	case KindNumeric:
		return DecodeNumeric(data)
	case KindVerify:
		return DecodeVerify(data)
	}
	return nil, xerrors.New(xerrors.CodeSchemaMismatch, fmt.Sprintf("unknown schema %q", kind))
}

// decode unpacks data, converts the values with assign and then requires
// the re-encoded record to reproduce data byte for byte. The ABI unpacker
// tolerates trailing bytes and non-minimal offsets; the comparison does not.
func decode(kind Kind, args abi.Arguments, data []byte, assign func([]any) error, reencode func() ([]byte, error)) error {
	mismatch := func(cause error, msg string) error {
		return xerrors.Wrap(xerrors.CodeSchemaMismatch, cause, fmt.Sprintf("%s record: %s", kind, msg),
			xerrors.WithMetadata("schema", string(kind)))
	}
	values, err := args.Unpack(data)
	if err != nil {
		return mismatch(err, "unpack")
	}
	if len(values) != len(args) {
		return mismatch(nil, fmt.Sprintf("expected %d fields, got %d", len(args), len(values)))
	}
	if err := assign(values); err != nil {
		return mismatch(err, "convert")
	}
	canonical, err := reencode()
	if err != nil {
		return mismatch(err, "re-encode")
	}
	if !bytes.Equal(canonical, data) {
		return mismatch(nil, "non-canonical encoding")
	}
	return nil
}

func typeError(field string, v any) error {
	return fmt.Errorf("field %s has unexpected type %T", field, v)
}

func uint64Field(field string, v any) (uint64, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return 0, typeError(field, v)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("field %s overflows uint64", field)
	}
	return n.Uint64(), nil
}
