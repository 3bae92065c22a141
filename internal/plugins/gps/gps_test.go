package gps

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/plugin"
)

var fixAt = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newPlugin(t *testing.T, cfg map[string]any) *Plugin {
	t.Helper()
	p := New()
	require.NoError(t, p.Configure(cfg))
	p.SetClock(func() time.Time { return fixAt.Add(time.Minute) })
	return p
}

func signedStamp(t *testing.T, key *ecdsa.PrivateKey, payload string) location.Stamp {
	t.Helper()
	if payload == "" {
		payload = fmt.Sprintf(`{"device":%q,"fix":"gps","satellites":9}`, crypto.PubkeyToAddress(key.PublicKey).Hex())
	}
	stamp := location.Stamp{
		Plugin:    Name,
		Timestamp: fixAt,
		Location:  location.Point{Lon: -122.42, Lat: 37.775},
		Accuracy:  8,
		Payload:   json.RawMessage(payload),
	}
	require.NoError(t, Sign(&stamp, key))
	return stamp
}

func TestVerifyAcceptsSignedStamp(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	p := newPlugin(t, map[string]any{
		"trusted_devices": []any{crypto.PubkeyToAddress(key.PublicKey).Hex()},
	})

	res := p.Verify(context.Background(), signedStamp(t, key, ""))
	assert.True(t, res.Valid, res.Reason)

	legacy := signedStamp(t, key, "")
	legacy.Signature[crypto.RecoveryIDOffset] += 27
	res = p.Verify(context.Background(), legacy)
	assert.True(t, res.Valid, "27/28 recovery ids are accepted: %s", res.Reason)
}

func TestVerifyRejections(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	device := crypto.PubkeyToAddress(key.PublicKey).Hex()

	cases := []struct {
		name   string
		cfg    map[string]any
		mutate func(*location.Stamp)
		stamp  func(t *testing.T) location.Stamp
	}{
		{
			name:   "tampered location",
			mutate: func(s *location.Stamp) { s.Location.Lat += 0.01 },
		},
		{
			name: "untrusted device",
			cfg:  map[string]any{"trusted_devices": []any{crypto.PubkeyToAddress(other.PublicKey).Hex()}},
		},
		{
			name: "payload claims another device",
			stamp: func(t *testing.T) location.Stamp {
				return signedStamp(t, other, fmt.Sprintf(`{"device":%q}`, device))
			},
		},
		{
			name: "accuracy ceiling",
			cfg:  map[string]any{"max_accuracy_meters": 5},
		},
		{
			name:   "future timestamp",
			mutate: func(s *location.Stamp) { s.Timestamp = fixAt.Add(time.Hour) },
		},
		{
			name:   "missing signature",
			mutate: func(s *location.Stamp) { s.Signature = nil },
		},
		{
			name: "payload schema",
			stamp: func(t *testing.T) location.Stamp {
				return signedStamp(t, key, fmt.Sprintf(`{"device":%q,"fix":"radio"}`, device))
			},
		},
		{
			name:   "payload not json",
			mutate: func(s *location.Stamp) { s.Payload = json.RawMessage(`{`) },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newPlugin(t, tc.cfg)
			var stamp location.Stamp
			if tc.stamp != nil {
				stamp = tc.stamp(t)
			} else {
				stamp = signedStamp(t, key, "")
			}
			if tc.mutate != nil {
				tc.mutate(&stamp)
			}
			res := p.Verify(context.Background(), stamp)
			assert.False(t, res.Valid)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestConfigureValidates(t *testing.T) {
	assert.Error(t, New().Configure(map[string]any{"trusted_devices": []any{"not-an-address"}}))
	assert.Error(t, New().Configure(map[string]any{"max_clock_skew": "soon"}))
	assert.Error(t, New().Configure(map[string]any{"max_accuracy_meters": -1}))

	p := New()
	require.NoError(t, p.Configure(map[string]any{"max_clock_skew": "30s", "max_accuracy_meters": 20}))
	assert.Equal(t, 30*time.Second, p.clockSkew)
	assert.Equal(t, 20.0, p.maxAccuracy)
}

func TestEvaluateRecordsFixQuality(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	claim := location.NewPointClaim(location.Point{Lon: -122.4194, Lat: 37.7749}, 5000, location.Instant(fixAt), location.OperationWithin)

	ev, err := New().Evaluate(context.Background(), signedStamp(t, key, ""), claim)
	require.NoError(t, err)
	assert.InDelta(t, 53.9, ev.DistanceMeters, 1)
	assert.True(t, ev.WithinRadius)
	assert.Equal(t, "gps", ev.Details["fix"])
	assert.Equal(t, 9, ev.Details["satellites"])
	assert.Equal(t, 8.0, ev.Details[plugin.DetailAccuracy])
}
