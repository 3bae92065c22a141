// Package outbox hands encoded attestations to whatever submits them to the
// ledger. Signing and submission happen outside this process; the outbox
// only guarantees the record left the engine.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"GeoAttest-Chain/internal/attestation"
	"GeoAttest-Chain/internal/config"
	xerrors "GeoAttest-Chain/internal/errors"
)

// Envelope is one attestation awaiting submission.
type Envelope struct {
	ID           string           `json:"id"`
	AssessmentID string           `json:"assessment_id"`
	Schema       attestation.Kind `json:"schema"`
	UID          common.Hash      `json:"schema_uid"`
	Data         hexutil.Bytes    `json:"data"`
	Attester     common.Address   `json:"attester"`
	CreatedAt    time.Time        `json:"created_at"`
}

// NewEnvelope wraps att with a fresh identifier.
func NewEnvelope(assessmentID string, att attestation.Attestation, attester common.Address) Envelope {
	return Envelope{
		ID:           uuid.NewString(),
		AssessmentID: assessmentID,
		Schema:       att.Schema,
		UID:          att.UID,
		Data:         att.Data,
		Attester:     attester,
		CreatedAt:    time.Now().UTC(),
	}
}

// Publisher delivers envelopes.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
	Close() error
}

// Discard drops every envelope. It backs the "none" driver.
type Discard struct{}

func (Discard) Publish(context.Context, Envelope) error { return nil }
func (Discard) Close() error                             { return nil }

// Open builds the publisher selected by cfg.Driver.
func Open(ctx context.Context, cfg config.OutboxConfig) (Publisher, error) {
	switch cfg.Driver {
	case "", config.DriverNone:
		return Discard{}, nil
	case config.DriverMemory:
		return NewMemory(cfg.Buffer), nil
	case config.DriverRedis:
		return NewRedis(ctx, RedisConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
	case config.DriverRabbitMQ:
		return NewRabbitMQ(RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			Queue:      cfg.RabbitMQ.Queue,
		})
	case config.DriverMySQL:
		return OpenMySQL(ctx, MySQLConfig{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			AutoMigrate:     cfg.MySQL.AutoMigrate,
		})
	}
	return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown outbox driver %q", cfg.Driver))
}

func deliveryError(err error, driver, msg string) error {
	return xerrors.Wrap(xerrors.CodeDeliveryFailure, err, msg,
		xerrors.WithMetadata("driver", driver),
		xerrors.WithRetryable(true))
}
