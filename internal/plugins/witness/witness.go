// Package witness verifies stamps co-signed by a quorum of known witnesses.
// Witnesses hold ed25519 keys and sign the stamp's observation message, which
// covers the reported location and the observation window but not the
// signatures themselves.
package witness

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/plugin"
)

// Name is the registry name of the plugin.
const Name = "witness"

// Signature is one witness co-signature.
type Signature struct {
	Witness   string        `json:"witness"`
	Signature hexutil.Bytes `json:"signature"`
}

// Payload carries the observation window and the co-signatures.
type Payload struct {
	Window     *location.TimeWindow `json:"window,omitempty"`
	Signatures []Signature          `json:"signatures"`
}

// Config is the YAML block of the plugin: witness id to hex public key.
type Config struct {
	Witnesses map[string]string `json:"witnesses"`
	Quorum    int               `json:"quorum"`
}

// Plugin checks witness quorums.
type Plugin struct {
	keys   map[string]ed25519.PublicKey
	quorum int
}

func New() *Plugin { return &Plugin{keys: map[string]ed25519.PublicKey{}} }

// Factory adapts New to plugin.Factory.
func Factory() plugin.Plugin { return New() }

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		Name:        Name,
		Version:     "1.0.0",
		Description: "ed25519 witness quorum over an observation window",
	}
}

// Configure loads the witness keys. Quorum defaults to a strict majority.
func (p *Plugin) Configure(raw map[string]any) error {
	var cfg Config
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("witness config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("witness config: %w", err)
	}
	keys := make(map[string]ed25519.PublicKey, len(cfg.Witnesses))
	for id, hexKey := range cfg.Witnesses {
		key, err := hexutil.Decode(hexKey)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("witness config: key of %s is not a %d-byte hex string", id, ed25519.PublicKeySize)
		}
		keys[id] = ed25519.PublicKey(key)
	}
	quorum := cfg.Quorum
	if quorum == 0 && len(keys) > 0 {
		quorum = len(keys)/2 + 1
	}
	if quorum < 0 || quorum > len(keys) {
		return fmt.Errorf("witness config: quorum %d with %d witnesses", cfg.Quorum, len(keys))
	}
	p.keys, p.quorum = keys, quorum
	return nil
}

// Message is what every witness signs for stamp.
func Message(stamp location.Stamp, window *location.TimeWindow) (common.Hash, error) {
	observed := stamp.Clone()
	observed.Signature = nil
	observed.Payload = nil
	if window != nil {
		raw, err := json.Marshal(struct {
			Window location.TimeWindow `json:"window"`
		}{*window})
		if err != nil {
			return common.Hash{}, err
		}
		observed.Payload = raw
	}
	return observed.SigningHash()
}

func (p *Plugin) Verify(_ context.Context, stamp location.Stamp) plugin.VerificationResult {
	if len(p.keys) == 0 {
		return plugin.Invalid("no witnesses configured")
	}
	payload, err := decodePayload(stamp.Payload)
	if err != nil {
		return plugin.Invalid(err.Error())
	}
	if err := stamp.Location.Validate(); err != nil {
		return plugin.Invalid(err.Error())
	}
	if payload.Window != nil {
		if err := payload.Window.Validate(); err != nil {
			return plugin.Invalid("observation window: " + err.Error())
		}
	}
	signed, err := p.countersigners(stamp, payload)
	if err != nil {
		return plugin.Invalid(err.Error())
	}
	if len(signed) < p.quorum {
		return plugin.Invalid(fmt.Sprintf("quorum not reached: %d of %d witnesses", len(signed), p.quorum))
	}
	return plugin.Valid()
}

// Evaluate measures the stamp, using the observation window when present.
func (p *Plugin) Evaluate(_ context.Context, stamp location.Stamp, claim location.Claim) (plugin.Evaluation, error) {
	ev := plugin.Measure(stamp, claim)
	payload, err := decodePayload(stamp.Payload)
	if err != nil {
		return plugin.Evaluation{}, err
	}
	if payload.Window != nil {
		ev.TemporalOverlap = location.TemporalOverlap(*payload.Window, claim.Window)
	}
	signed, err := p.countersigners(stamp, payload)
	if err != nil {
		return plugin.Evaluation{}, err
	}
	ev.Details["witnesses"] = signed
	return ev, nil
}

// countersigners returns the sorted ids of known witnesses whose signature
// over the observation message checks out.
func (p *Plugin) countersigners(stamp location.Stamp, payload Payload) ([]string, error) {
	msg, err := Message(stamp, payload.Window)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(payload.Signatures))
	ids := make([]string, 0, len(payload.Signatures))
	for _, sig := range payload.Signatures {
		key, ok := p.keys[sig.Witness]
		if !ok {
			continue
		}
		if _, dup := seen[sig.Witness]; dup {
			continue
		}
		if len(sig.Signature) == ed25519.SignatureSize && ed25519.Verify(key, msg.Bytes(), sig.Signature) {
			seen[sig.Witness] = struct{}{}
			ids = append(ids, sig.Witness)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func decodePayload(raw json.RawMessage) (Payload, error) {
	var payload Payload
	if len(raw) == 0 {
		return payload, fmt.Errorf("missing payload")
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("payload: %v", err)
	}
	return payload, nil
}

// Cosign appends witness id's signature to the stamp payload.
func Cosign(stamp *location.Stamp, id string, key ed25519.PrivateKey) error {
	var payload Payload
	if len(stamp.Payload) > 0 {
		if err := json.Unmarshal(stamp.Payload, &payload); err != nil {
			return err
		}
	}
	msg, err := Message(*stamp, payload.Window)
	if err != nil {
		return err
	}
	payload.Signatures = append(payload.Signatures, Signature{Witness: id, Signature: ed25519.Sign(key, msg.Bytes())})
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	stamp.Payload = raw
	return nil
}
