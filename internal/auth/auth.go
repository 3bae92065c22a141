// Package auth guards the HTTP API with static bearer API keys.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"GeoAttest-Chain/pkg/logger"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSubjectRevoked   = errors.New("api key is disabled")
)

// Permissions granted to API keys.
const (
	PermissionAssess = "assess"
	PermissionRead   = "read"
)

// Config lists the accepted keys. With Enabled false every request passes.
type Config struct {
	Enabled bool        `koanf:"enabled"`
	Keys    []KeyConfig `koanf:"keys"`
}

// KeyConfig is one API key. TokenSHA256 is the hex SHA-256 of the bearer
// token so the configuration never holds the secret itself.
type KeyConfig struct {
	Name        string   `koanf:"name"`
	TokenSHA256 string   `koanf:"token_sha256"`
	Permissions []string `koanf:"permissions"`
	Disabled    bool     `koanf:"disabled"`
}

// Subject is the caller a request was authenticated as.
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool
}

// HasPermission reports whether the subject holds permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	want := normalise(permission)
	for _, p := range s.Permissions {
		if normalise(p) == want {
			return true
		}
	}
	return false
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

type key struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service authenticates bearer tokens against the configured keys.
type Service struct {
	enabled bool
	keys    []key
	audit   *slog.Logger
}

// NewService validates cfg and builds the key table.
func NewService(cfg Config) (*Service, error) {
	svc := &Service{enabled: cfg.Enabled, audit: logger.Audit()}
	if !cfg.Enabled {
		return svc, nil
	}
	if len(cfg.Keys) == 0 {
		return nil, errors.New("auth enabled without keys")
	}
	names := make(map[string]struct{}, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if k.Name == "" {
			return nil, errors.New("api key name cannot be empty")
		}
		if _, dup := names[k.Name]; dup {
			return nil, fmt.Errorf("api key %s is defined twice", k.Name)
		}
		names[k.Name] = struct{}{}
		raw, err := hex.DecodeString(strings.TrimPrefix(k.TokenSHA256, "0x"))
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("api key %s: token_sha256 must be 32 hex bytes", k.Name)
		}
		entry := key{subject: &Subject{Name: k.Name, Permissions: append([]string(nil), k.Permissions...), Disabled: k.Disabled}}
		copy(entry.digest[:], raw)
		svc.keys = append(svc.keys, entry)
	}
	return svc, nil
}

// Enabled reports whether requests must carry a key.
func (s *Service) Enabled() bool { return s != nil && s.enabled }

// AuthenticateRequest resolves the Authorization header to a subject.
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	var found *Subject
	// Every key is compared so timing does not reveal which one matched.
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
			found = k.subject
		}
	}
	if found == nil {
		return nil, ErrInvalidToken
	}
	if found.Disabled {
		return nil, ErrSubjectRevoked
	}
	return found, nil
}

// HashToken returns the token_sha256 value for token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func normalise(p string) string { return strings.ToLower(strings.TrimSpace(p)) }
