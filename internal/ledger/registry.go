// Package ledger reads the on-chain schema registry the attestation ledger
// uses, so operators can confirm the record layouts are registered under the
// UIDs the engine computes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"GeoAttest-Chain/internal/attestation"
	xerrors "GeoAttest-Chain/internal/errors"
)

const registryABI = `[{"inputs":[{"internalType":"bytes32","name":"uid","type":"bytes32"}],"name":"getSchema","outputs":[{"components":[{"internalType":"bytes32","name":"uid","type":"bytes32"},{"internalType":"contract ISchemaResolver","name":"resolver","type":"address"},{"internalType":"bool","name":"revocable","type":"bool"},{"internalType":"string","name":"schema","type":"string"}],"internalType":"struct SchemaRecord","name":"","type":"tuple"}],"stateMutability":"view","type":"function"}]`

var parsedRegistry = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// SchemaRecord is the registry entry of one schema.
type SchemaRecord struct {
	UID       common.Hash    `json:"uid"`
	Resolver  common.Address `json:"resolver"`
	Revocable bool           `json:"revocable"`
	Schema    string         `json:"schema"`
}

// rawRecord matches the field names go-ethereum derives for the tuple.
type rawRecord struct {
	Uid       [32]byte
	Resolver  common.Address
	Revocable bool
	Schema    string
}

// Status compares a local schema with its registry entry.
type Status struct {
	Kind       attestation.Kind `json:"kind"`
	UID        common.Hash      `json:"uid"`
	Registered bool             `json:"registered"`
	Matches    bool             `json:"matches"`
	Record     *SchemaRecord    `json:"record,omitempty"`
}

// Registry reads a schema registry contract.
type Registry struct {
	caller  gethcore.ContractCaller
	address common.Address
	close   func()
}

// NewRegistry reads the contract at address through caller.
func NewRegistry(caller gethcore.ContractCaller, address common.Address) *Registry {
	return &Registry{caller: caller, address: address}
}

// Dial connects to an EVM JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string, address common.Address) (*Registry, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger rpc url is empty")
	}
	if address == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "schema registry address is empty")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "dial ledger rpc")
	}
	r := NewRegistry(client, address)
	r.close = client.Close
	return r, nil
}

// Close releases the RPC connection opened by Dial.
func (r *Registry) Close() {
	if r.close != nil {
		r.close()
	}
}

// GetSchema returns the registry entry for uid. Unknown UIDs come back as a
// zero record.
func (r *Registry) GetSchema(ctx context.Context, uid common.Hash) (SchemaRecord, error) {
	input, err := parsedRegistry.Pack("getSchema", [32]byte(uid))
	if err != nil {
		return SchemaRecord{}, fmt.Errorf("pack getSchema: %w", err)
	}
	to := r.address
	out, err := r.caller.CallContract(ctx, gethcore.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return SchemaRecord{}, xerrors.Wrap(xerrors.CodeDeliveryFailure, err, "call getSchema",
			xerrors.WithMetadata("registry", r.address.Hex()))
	}
	values, err := parsedRegistry.Unpack("getSchema", out)
	if err != nil {
		return SchemaRecord{}, xerrors.Wrap(xerrors.CodeSchemaMismatch, err, "unpack getSchema")
	}
	if len(values) != 1 {
		return SchemaRecord{}, xerrors.New(xerrors.CodeSchemaMismatch, fmt.Sprintf("getSchema returned %d values", len(values)))
	}
	raw, ok := abi.ConvertType(values[0], new(rawRecord)).(*rawRecord)
	if !ok {
		return SchemaRecord{}, errors.New("unexpected getSchema result type")
	}
	return SchemaRecord{UID: raw.Uid, Resolver: raw.Resolver, Revocable: raw.Revocable, Schema: raw.Schema}, nil
}

// Check looks up every local schema.
func (r *Registry) Check(ctx context.Context, schemas attestation.Schemas) ([]Status, error) {
	statuses := make([]Status, 0, len(attestation.Kinds))
	for _, schema := range schemas.All() {
		uid := schema.UID()
		rec, err := r.GetSchema(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("%s schema: %w", schema.Kind, err)
		}
		st := Status{Kind: schema.Kind, UID: uid}
		if rec.UID != (common.Hash{}) {
			st.Registered = true
			st.Record = &rec
			st.Matches = rec.UID == uid && rec.Resolver == schema.Resolver &&
				rec.Revocable == schema.Revocable && rec.Schema == schema.Definition
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}
