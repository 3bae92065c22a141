// Package geoattest is a Go client for the GeoAttest REST API.
package geoattest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/plugin"
)

// DefaultHTTPTimeout applies to clients created without an http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the GeoAttest API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// AssessRequest asks for an assessment and, optionally, an attestation:
// Attest is "", "auto", "boolean", "numeric" or "verify".
type AssessRequest struct {
	Claim  location.Claim   `json:"claim"`
	Stamps []location.Stamp `json:"stamps"`
	Attest string           `json:"attest,omitempty"`
}

// Credibility mirrors the credibility vector of an assessment.
type Credibility struct {
	Spatial         float64 `json:"spatial"`
	Temporal        float64 `json:"temporal"`
	Source          float64 `json:"source"`
	Overall         float64 `json:"overall"`
	Verified        int     `json:"verified"`
	Evaluated       int     `json:"evaluated"`
	Submitted       int     `json:"submitted"`
	DistinctSources int     `json:"distinct_sources"`
	Outcome         string  `json:"outcome"`
	Result          bool    `json:"result"`
	Value           float64 `json:"value,omitempty"`
	Units           string  `json:"units,omitempty"`
	Threshold       float64 `json:"threshold"`
}

// Rejection explains why a stamp did not contribute.
type Rejection struct {
	Index  int         `json:"index"`
	Plugin string      `json:"plugin"`
	Ref    common.Hash `json:"ref"`
	Code   string      `json:"code"`
	Reason string      `json:"reason"`
}

// Assessment is the outcome of one assessment call.
type Assessment struct {
	ID          string              `json:"id"`
	Claim       location.Claim      `json:"claim"`
	Credibility Credibility         `json:"credibility"`
	Evaluations []plugin.Evaluation `json:"evaluations"`
	Rejections  []Rejection         `json:"rejections"`
	InputRefs   []common.Hash       `json:"input_refs"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Attestation is an encoded ledger record.
type Attestation struct {
	Schema string        `json:"schema"`
	UID    common.Hash   `json:"uid"`
	Data   hexutil.Bytes `json:"data"`
}

// AssessResponse carries the assessment and the attestation outcome.
type AssessResponse struct {
	Assessment       *Assessment  `json:"assessment"`
	Attestation      *Attestation `json:"attestation,omitempty"`
	AttestationError *APIError    `json:"attestation_error,omitempty"`
}

// Schema is a registered record layout.
type Schema struct {
	Kind       string         `json:"kind"`
	Definition string         `json:"definition"`
	Resolver   common.Address `json:"resolver"`
	Revocable  bool           `json:"revocable"`
	UID        common.Hash    `json:"uid"`
}

// Decoded is a record decoded by the server. Record holds the layout
// specific fields.
type Decoded struct {
	Schema string          `json:"schema"`
	Record json.RawMessage `json:"record"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("geoattest api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("geoattest api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the API at rawURL. When httpClient is
// nil, a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sets the bearer token sent with every request.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// Assess submits a claim with its stamps.
func (c *Client) Assess(ctx context.Context, req AssessRequest) (AssessResponse, error) {
	var resp AssessResponse
	if err := c.post(ctx, "/api/v1/assessments", req, &resp); err != nil {
		return AssessResponse{}, err
	}
	return resp, nil
}

// Decode asks the server to decode data under the schema kind.
func (c *Client) Decode(ctx context.Context, kind string, data []byte) (Decoded, error) {
	return c.decode(ctx, map[string]any{"schema": kind, "data": hexutil.Bytes(data)})
}

// DecodeByUID decodes data under the schema registered as uid.
func (c *Client) DecodeByUID(ctx context.Context, uid common.Hash, data []byte) (Decoded, error) {
	return c.decode(ctx, map[string]any{"uid": uid, "data": hexutil.Bytes(data)})
}

func (c *Client) decode(ctx context.Context, body map[string]any) (Decoded, error) {
	var out Decoded
	if err := c.post(ctx, "/api/v1/attestations/decode", body, &out); err != nil {
		return Decoded{}, err
	}
	return out, nil
}

// Schemas lists the schemas and their UIDs.
func (c *Client) Schemas(ctx context.Context) ([]Schema, error) {
	var out struct {
		Schemas []Schema `json:"schemas"`
	}
	if err := c.get(ctx, "/api/v1/schemas", &out); err != nil {
		return nil, err
	}
	return out.Schemas, nil
}

// Plugins lists the plugins the server loaded.
func (c *Client) Plugins(ctx context.Context) ([]plugin.Info, error) {
	var out struct {
		Plugins []plugin.Info `json:"plugins"`
	}
	if err := c.get(ctx, "/api/v1/plugins", &out); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.mu.RLock()
	key := c.apiKey
	c.mu.RUnlock()
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
