// Package attestation encodes assessments into the EVM ABI records an
// attestation ledger stores, and decodes them back.
package attestation

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Kind names one of the three record layouts.
type Kind string

const (
	KindBoolean Kind = "boolean"
	KindNumeric Kind = "numeric"
	KindVerify  Kind = "verify"
)

// Kinds lists every layout in a stable order.
var Kinds = []Kind{KindBoolean, KindNumeric, KindVerify}

// ParseKind normalises a kind name.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case KindBoolean, KindNumeric, KindVerify:
		return k, nil
	}
	return "", fmt.Errorf("unknown schema %q", raw)
}

// Schema definitions in ledger registration syntax.
const (
	BooleanDefinition = "bool result,bytes32[] inputRefs,uint256 timestamp,string operation"
	NumericDefinition = "uint256 result,string units,bytes32[] inputRefs,uint256 timestamp,string operation"
	VerifyDefinition  = "bytes32 claim_hash,bytes32 proof_hash,uint8 confidence,string credibility_uri"
)

var (
	booleanArgs = mustArguments(BooleanDefinition)
	numericArgs = mustArguments(NumericDefinition)
	verifyArgs  = mustArguments(VerifyDefinition)
)

// parseDefinition turns "type name,type name" into ABI arguments.
func parseDefinition(def string) (abi.Arguments, error) {
	var args abi.Arguments
	for _, field := range strings.Split(def, ",") {
		parts := strings.Fields(field)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed field %q", field)
		}
		typ, err := abi.NewType(parts[0], "", nil)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", parts[1], err)
		}
		args = append(args, abi.Argument{Name: parts[1], Type: typ})
	}
	return args, nil
}

func mustArguments(def string) abi.Arguments {
	args, err := parseDefinition(def)
	if err != nil {
		panic(err)
	}
	return args
}

// Schema is a registered record layout.
type Schema struct {
	Kind       Kind           `json:"kind"`
	Definition string         `json:"definition"`
	Resolver   common.Address `json:"resolver"`
	Revocable  bool           `json:"revocable"`
}

// UID is keccak256(abi.encodePacked(definition, resolver, revocable)), the
// identifier the ledger assigns on registration.
func (s Schema) UID() common.Hash {
	revocable := byte(0)
	if s.Revocable {
		revocable = 1
	}
	return crypto.Keccak256Hash([]byte(s.Definition), s.Resolver.Bytes(), []byte{revocable})
}

// Schemas is the set of layouts registered under one resolver.
type Schemas struct {
	Boolean Schema
	Numeric Schema
	Verify  Schema
}

// NewSchemas builds the three layouts for resolver.
func NewSchemas(resolver common.Address, revocable bool) Schemas {
	mk := func(kind Kind, def string) Schema {
		return Schema{Kind: kind, Definition: def, Resolver: resolver, Revocable: revocable}
	}
	return Schemas{
		Boolean: mk(KindBoolean, BooleanDefinition),
		Numeric: mk(KindNumeric, NumericDefinition),
		Verify:  mk(KindVerify, VerifyDefinition),
	}
}

// Get returns the schema of kind.
func (s Schemas) Get(kind Kind) (Schema, bool) {
	switch kind {
	case KindBoolean:
		return s.Boolean, true
	case KindNumeric:
		return s.Numeric, true
	case KindVerify:
		return s.Verify, true
	}
	return Schema{}, false
}

// ByUID finds the schema registered under uid.
func (s Schemas) ByUID(uid common.Hash) (Schema, bool) {
	for _, schema := range s.All() {
		if schema.UID() == uid {
			return schema, true
		}
	}
	return Schema{}, false
}

// All returns the schemas in Kinds order.
func (s Schemas) All() []Schema {
	return []Schema{s.Boolean, s.Numeric, s.Verify}
}
