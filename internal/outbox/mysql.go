package outbox

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "GeoAttest-Chain/internal/errors"
)

// MySQLConfig describes the outbox database.
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// MySQL stores envelopes in the attestation_outbox table. A submitter marks
// rows by setting submitted_at.
type MySQL struct {
	db *sql.DB
}

// OpenMySQL connects, pings and optionally applies the embedded migrations.
func OpenMySQL(ctx context.Context, cfg MySQLConfig) (*MySQL, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mysql dsn is empty")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open mysql")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping mysql")
	}
	store := NewMySQL(db)
	if cfg.AutoMigrate {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewMySQL wraps an open database.
func NewMySQL(db *sql.DB) *MySQL { return &MySQL{db: db} }

const insertEnvelope = `INSERT INTO attestation_outbox
        (id, assessment_id, schema_kind, schema_uid, data, attester, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

func (s *MySQL) Publish(ctx context.Context, env Envelope) error {
	_, err := s.db.ExecContext(ctx, insertEnvelope,
		env.ID,
		env.AssessmentID,
		string(env.Schema),
		env.UID.Hex(),
		[]byte(env.Data),
		env.Attester.Hex(),
		env.CreatedAt.Unix(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "envelope "+env.ID+" already queued")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert envelope",
			xerrors.WithRetryable(true))
	}
	return nil
}

// Pending counts envelopes not yet marked as submitted.
func (s *MySQL) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attestation_outbox WHERE submitted_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count pending envelopes")
	}
	return n, nil
}

func (s *MySQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
