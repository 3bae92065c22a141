package verifier

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "GeoAttest-Chain/internal/errors"
	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/plugin"
	"GeoAttest-Chain/pkg/plugin/plugintest"
)

func registry(t *testing.T, plugins ...plugin.Plugin) *plugin.Registry {
	t.Helper()
	r, err := plugin.NewRegistry(plugin.ManagerConfig{})
	require.NoError(t, err)
	for _, p := range plugins {
		policy := plugin.IsolationPolicy{AllowedCapabilities: p.Info().Capabilities}
		require.NoError(t, r.Register(p, nil, policy))
	}
	return r
}

func stampFor(name string, seq int) location.Stamp {
	return location.Stamp{
		Plugin:    name,
		Timestamp: time.Date(2024, 3, 1, 10, 0, seq, 0, time.UTC),
		Location:  location.Point{Lon: -122.42, Lat: 37.775},
		Accuracy:  50,
	}
}

func TestVerifyPartitionsByIndex(t *testing.T) {
	gps := plugintest.New("gps")
	strict := plugintest.New("strict")
	strict.VerifyFn = func(context.Context, location.Stamp) plugin.VerificationResult {
		return plugin.Invalid("signature mismatch")
	}
	v := New(registry(t, gps, strict))

	stamps := []location.Stamp{stampFor("gps", 0), stampFor("unknownproto", 1), stampFor("strict", 2), stampFor("gps", 3)}
	part, err := v.Verify(context.Background(), stamps)
	require.NoError(t, err)

	require.Len(t, part.Verified, 2)
	assert.Equal(t, 0, part.Verified[0].Index)
	assert.Equal(t, 3, part.Verified[1].Index)
	assert.Equal(t, "gps", part.Verified[0].Info.Name)
	want, err := stamps[3].Digest()
	require.NoError(t, err)
	assert.Equal(t, want, part.Verified[1].Ref)

	require.Len(t, part.Rejected, 2)
	assert.Equal(t, Rejection{Index: 1, Plugin: "unknownproto", Ref: part.Rejected[0].Ref, Code: xerrors.CodePluginNotFound, Reason: "plugin not found: unknownproto"}, part.Rejected[0])
	assert.Equal(t, xerrors.CodeVerificationFailed, part.Rejected[1].Code)
	assert.Equal(t, "signature mismatch", part.Rejected[1].Reason)
}

func TestVerifyTimesOutUncooperativePlugin(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := plugintest.New("slow")
	slow.VerifyFn = plugintest.Blocking(release)

	var hooked atomic.Int32
	v := New(registry(t, slow), WithTimeout(30*time.Millisecond), WithHook(func(name string, code xerrors.Code, _ time.Duration) {
		if name == "slow" && code == xerrors.CodeVerificationFailed {
			hooked.Add(1)
		}
	}))

	start := time.Now()
	part, err := v.Verify(context.Background(), []location.Stamp{stampFor("slow", 0)})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, part.Rejected, 1)
	assert.True(t, part.Rejected[0].Timeout())
	assert.Equal(t, ReasonTimeout, part.Rejected[0].Reason)
	assert.Equal(t, int32(1), hooked.Load())
}

func TestVerifyRecoversPanics(t *testing.T) {
	bad := plugintest.New("bad")
	bad.VerifyFn = func(context.Context, location.Stamp) plugin.VerificationResult { panic("nil map") }
	v := New(registry(t, bad))

	part, err := v.Verify(context.Background(), []location.Stamp{stampFor("bad", 0)})
	require.NoError(t, err)
	require.Len(t, part.Rejected, 1)
	assert.Contains(t, part.Rejected[0].Reason, "panicked")
}

func TestVerifyMemoizesResults(t *testing.T) {
	gps := plugintest.New("gps")
	memo := NewMemo(time.Minute)
	v := New(registry(t, gps), WithMemo(memo))

	stamps := []location.Stamp{stampFor("gps", 0)}
	for range 3 {
		part, err := v.Verify(context.Background(), stamps)
		require.NoError(t, err)
		require.Len(t, part.Verified, 1)
	}
	assert.Equal(t, int64(1), gps.Verifies.Load())
	assert.Equal(t, 1, memo.Len())
}

func TestVerifyRechecksRejectedStamps(t *testing.T) {
	gps := plugintest.New("gps")
	var accept atomic.Bool
	gps.VerifyFn = func(context.Context, location.Stamp) plugin.VerificationResult {
		if !accept.Load() {
			return plugin.Invalid("timestamp is in the future")
		}
		return plugin.Valid()
	}
	memo := NewMemo(time.Minute)
	v := New(registry(t, gps), WithMemo(memo))
	stamps := []location.Stamp{stampFor("gps", 0)}

	part, err := v.Verify(context.Background(), stamps)
	require.NoError(t, err)
	require.Len(t, part.Rejected, 1)
	assert.Zero(t, memo.Len())

	accept.Store(true)
	part, err = v.Verify(context.Background(), stamps)
	require.NoError(t, err)
	require.Len(t, part.Verified, 1)
	assert.Equal(t, 1, memo.Len())
}

func TestVerifyThrottlesNetworkPlugins(t *testing.T) {
	witness := plugintest.New("witness")
	witness.Meta.Capabilities = []plugin.Capability{plugin.CapabilityNetwork}
	v := New(registry(t, witness), WithTimeout(50*time.Millisecond), WithLimiter(NewLimiter(0.001, 1)))

	part, err := v.Verify(context.Background(), []location.Stamp{stampFor("witness", 0), stampFor("witness", 1)})
	require.NoError(t, err)
	assert.Len(t, part.Verified, 1)
	require.Len(t, part.Rejected, 1)
	assert.Equal(t, ReasonTimeout, part.Rejected[0].Reason)
}

func TestVerifyReturnsCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := plugintest.New("slow")
	slow.VerifyFn = plugintest.Blocking(release)
	v := New(registry(t, slow))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := v.Verify(ctx, []location.Stamp{stampFor("slow", 0)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerifyEmptyInput(t *testing.T) {
	part, err := New(registry(t)).Verify(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, part.Verified)
	assert.Empty(t, part.Rejected)
}
