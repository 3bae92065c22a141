// Package gps verifies stamps signed by GPS-capable devices. Each device
// holds a secp256k1 key; the stamp signature covers the stamp signing hash
// and the recovered address must match the device declared in the payload.
package gps

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/plugin"
)

// Name is the registry name of the plugin.
const Name = "gps"

const (
	defaultMaxAccuracy = 100.0
	defaultClockSkew   = 5 * time.Minute
)

const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["device"],
  "properties": {
    "device": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "fix": {"enum": ["gps", "network", "fused"]},
    "satellites": {"type": "integer", "minimum": 0},
    "hdop": {"type": "number", "minimum": 0}
  }
}`

var compiledSchema = mustCompile(payloadSchema)

func mustCompile(schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://geoattest.schemas.local/plugins/gps/payload.schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// Payload is the device metadata carried in the stamp.
type Payload struct {
	Device     common.Address `json:"device"`
	Fix        string         `json:"fix,omitempty"`
	Satellites int            `json:"satellites,omitempty"`
	HDOP       float64        `json:"hdop,omitempty"`
}

// Config is the YAML block of the plugin.
type Config struct {
	TrustedDevices []string `json:"trusted_devices"`
	MaxAccuracy    float64  `json:"max_accuracy_meters"`
	MaxClockSkew   string   `json:"max_clock_skew"`
}

// Plugin verifies device-signed GPS stamps.
type Plugin struct {
	trusted     map[common.Address]struct{}
	maxAccuracy float64
	clockSkew   time.Duration
	now         func() time.Time
}

// New returns a plugin accepting any device with the default limits.
func New() *Plugin {
	return &Plugin{
		maxAccuracy: defaultMaxAccuracy,
		clockSkew:   defaultClockSkew,
		now:         time.Now,
	}
}

// Factory adapts New to plugin.Factory.
func Factory() plugin.Plugin { return New() }

func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		Name:         Name,
		Version:      "1.0.0",
		Environments: []string{plugin.EnvironmentServer, plugin.EnvironmentMobile},
		Description:  "secp256k1-signed device GPS fixes",
	}
}

// Configure reads trusted_devices, max_accuracy_meters and max_clock_skew.
// An empty allowlist accepts every device whose signature checks out.
func (p *Plugin) Configure(raw map[string]any) error {
	var cfg Config
	if len(raw) > 0 {
		data, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("gps config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("gps config: %w", err)
		}
	}
	trusted := make(map[common.Address]struct{}, len(cfg.TrustedDevices))
	for _, d := range cfg.TrustedDevices {
		if !common.IsHexAddress(d) {
			return fmt.Errorf("gps config: trusted device %q is not an address", d)
		}
		trusted[common.HexToAddress(d)] = struct{}{}
	}
	p.trusted = trusted
	if cfg.MaxAccuracy < 0 {
		return fmt.Errorf("gps config: max_accuracy_meters cannot be negative")
	}
	if cfg.MaxAccuracy > 0 {
		p.maxAccuracy = cfg.MaxAccuracy
	}
	if cfg.MaxClockSkew != "" {
		skew, err := time.ParseDuration(cfg.MaxClockSkew)
		if err != nil || skew < 0 {
			return fmt.Errorf("gps config: invalid max_clock_skew %q", cfg.MaxClockSkew)
		}
		p.clockSkew = skew
	}
	return nil
}

// SetClock replaces the time source used for the skew check.
func (p *Plugin) SetClock(now func() time.Time) { p.now = now }

func (p *Plugin) Verify(_ context.Context, stamp location.Stamp) plugin.VerificationResult {
	payload, err := decodePayload(stamp.Payload)
	if err != nil {
		return plugin.Invalid(err.Error())
	}
	if err := stamp.Location.Validate(); err != nil {
		return plugin.Invalid(err.Error())
	}
	if math.IsNaN(stamp.Accuracy) || stamp.Accuracy < 0 {
		return plugin.Invalid("accuracy must be a non-negative number")
	}
	if stamp.Accuracy > p.maxAccuracy {
		return plugin.Invalid(fmt.Sprintf("accuracy %.1fm exceeds %.1fm", stamp.Accuracy, p.maxAccuracy))
	}
	if stamp.Timestamp.IsZero() {
		return plugin.Invalid("missing timestamp")
	}
	if stamp.Timestamp.After(p.now().Add(p.clockSkew)) {
		return plugin.Invalid("timestamp is in the future")
	}

	signer, err := recoverSigner(stamp)
	if err != nil {
		return plugin.Invalid(err.Error())
	}
	if signer != payload.Device {
		return plugin.Invalid(fmt.Sprintf("signature by %s, payload claims %s", signer.Hex(), payload.Device.Hex()))
	}
	if len(p.trusted) > 0 {
		if _, ok := p.trusted[signer]; !ok {
			return plugin.Invalid("untrusted device " + signer.Hex())
		}
	}
	return plugin.Valid()
}

// Evaluate measures the fix and records its quality in the details.
func (p *Plugin) Evaluate(_ context.Context, stamp location.Stamp, claim location.Claim) (plugin.Evaluation, error) {
	ev := plugin.Measure(stamp, claim)
	if payload, err := decodePayload(stamp.Payload); err == nil {
		if payload.Fix != "" {
			ev.Details["fix"] = payload.Fix
		}
		if payload.Satellites > 0 {
			ev.Details["satellites"] = payload.Satellites
		}
	}
	return ev, nil
}

func decodePayload(raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, fmt.Errorf("missing payload")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Payload{}, fmt.Errorf("payload is not JSON: %v", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return Payload{}, fmt.Errorf("payload schema: %v", err)
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, fmt.Errorf("payload: %v", err)
	}
	return payload, nil
}

func recoverSigner(stamp location.Stamp) (common.Address, error) {
	if len(stamp.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	hash, err := stamp.SigningHash()
	if err != nil {
		return common.Address{}, fmt.Errorf("signing hash: %v", err)
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, stamp.Signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %v", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign sets stamp.Signature to key's signature over the signing hash.
func Sign(stamp *location.Stamp, key *ecdsa.PrivateKey) error {
	hash, err := stamp.SigningHash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return err
	}
	stamp.Signature = sig
	return nil
}
