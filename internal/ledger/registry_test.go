package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GeoAttest-Chain/internal/attestation"
	xerrors "GeoAttest-Chain/internal/errors"
)

// fakeRegistry answers getSchema from a map keyed by UID.
type fakeRegistry struct {
	t       *testing.T
	records map[common.Hash]rawRecord
	err     error
	calls   int
}

func (f *fakeRegistry) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	method := parsedRegistry.Methods["getSchema"]
	args, err := method.Inputs.Unpack(msg.Data[4:])
	require.NoError(f.t, err)
	uid := common.Hash(args[0].([32]byte))
	return method.Outputs.Pack(f.records[uid])
}

var registryAddr = common.HexToAddress("0xA7b39296258348C78294F95B872b282326A97BDF")

func TestCheckReportsRegistration(t *testing.T) {
	schemas := attestation.NewSchemas(common.Address{}, true)
	fake := &fakeRegistry{t: t, records: map[common.Hash]rawRecord{
		schemas.Boolean.UID(): {Uid: schemas.Boolean.UID(), Revocable: true, Schema: attestation.BooleanDefinition},
		schemas.Numeric.UID(): {Uid: schemas.Numeric.UID(), Revocable: false, Schema: attestation.NumericDefinition},
	}}

	statuses, err := NewRegistry(fake, registryAddr).Check(context.Background(), schemas)
	require.NoError(t, err)
	require.Len(t, statuses, 3)
	assert.Equal(t, 3, fake.calls)

	assert.Equal(t, attestation.KindBoolean, statuses[0].Kind)
	assert.True(t, statuses[0].Registered)
	assert.True(t, statuses[0].Matches)
	assert.Equal(t, attestation.BooleanDefinition, statuses[0].Record.Schema)

	assert.True(t, statuses[1].Registered)
	assert.False(t, statuses[1].Matches, "revocable flag differs")

	assert.False(t, statuses[2].Registered)
	assert.Nil(t, statuses[2].Record)
}

func TestCallFailureIsDeliveryFailure(t *testing.T) {
	fake := &fakeRegistry{t: t, err: errors.New("connection refused")}
	_, err := NewRegistry(fake, registryAddr).GetSchema(context.Background(), common.Hash{1})
	assert.Equal(t, xerrors.CodeDeliveryFailure, xerrors.CodeOf(err))
}

func TestDialValidatesInput(t *testing.T) {
	_, err := Dial(context.Background(), " ", registryAddr)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	_, err = Dial(context.Background(), "http://127.0.0.1:8545", common.Address{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}
