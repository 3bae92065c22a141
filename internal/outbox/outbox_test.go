package outbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	"GeoAttest-Chain/deploy/migrations"
	"GeoAttest-Chain/internal/attestation"
	"GeoAttest-Chain/internal/config"
	xerrors "GeoAttest-Chain/internal/errors"
)

func sampleEnvelope() Envelope {
	att := attestation.Attestation{
		Schema: attestation.KindBoolean,
		UID:    common.HexToHash("0x01"),
		Data:   []byte{0xde, 0xad},
	}
	return NewEnvelope("assessment-1", att, common.HexToAddress("0x00000000000000000000000000000000000000b2"))
}

func TestNewEnvelope(t *testing.T) {
	a, b := sampleEnvelope(), sampleEnvelope()
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID, b.ID)
	}
	if a.Schema != attestation.KindBoolean || a.AssessmentID != "assessment-1" {
		t.Fatalf("unexpected envelope: %+v", a)
	}
	if a.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp")
	}
}

func TestMemoryPublishAndDrain(t *testing.T) {
	m := NewMemory(2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := m.Publish(ctx, sampleEnvelope()); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	err := m.Publish(ctx, sampleEnvelope())
	if xerrors.CodeOf(err) != xerrors.CodeDeliveryFailure || !errors.Is(err, ErrFull) {
		t.Fatalf("expected delivery failure on full buffer, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := m.Publish(cancelled, sampleEnvelope()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	if got := m.Drain(); len(got) != 2 {
		t.Fatalf("expected 2 drained envelopes, got %d", len(got))
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err = m.Publish(ctx, sampleEnvelope())
	if xerrors.CodeOf(err) != xerrors.CodeDeliveryFailure || !errors.Is(err, ErrClosed) {
		t.Fatalf("expected delivery failure after close, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMemoryCloseWithFullBuffer(t *testing.T) {
	m := NewMemory(1)
	ctx := context.Background()
	if err := m.Publish(ctx, sampleEnvelope()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	done := make(chan error, 2)
	go func() { done <- m.Publish(ctx, sampleEnvelope()) }()
	go func() { done <- m.Close() }()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("publish or close blocked on a full buffer")
		}
	}
	if got := m.Drain(); len(got) > 1 {
		t.Fatalf("expected at most 1 buffered envelope, got %d", len(got))
	}
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()

	p, err := Open(ctx, config.OutboxConfig{Driver: config.DriverNone})
	if err != nil {
		t.Fatalf("open none: %v", err)
	}
	if _, ok := p.(Discard); !ok {
		t.Fatalf("expected Discard, got %T", p)
	}

	p, err = Open(ctx, config.OutboxConfig{Driver: config.DriverMemory, Buffer: 4})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := p.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", p)
	}

	if _, err := Open(ctx, config.OutboxConfig{Driver: "kafka"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := Open(ctx, config.OutboxConfig{Driver: config.DriverMySQL}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty dsn, got %v", err)
	}
	if _, err := NewRabbitMQ(RabbitMQConfig{}); xerrors.CodeOf(err) != xerrors.CodeDeliveryFailure {
		t.Fatalf("expected delivery failure for empty url, got %v", err)
	}
}

func TestRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedis(ctx, RedisConfig{Address: "127.0.0.1:1"})
	if xerrors.CodeOf(err) != xerrors.CodeDeliveryFailure {
		t.Fatalf("expected delivery failure, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("expected redis failure to be retryable")
	}
}

func TestMySQLPublish(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	env := sampleEnvelope()
	mock.ExpectExec("INSERT INTO attestation_outbox").
		WithArgs(env.ID, env.AssessmentID, "boolean", env.UID.Hex(), []byte{0xde, 0xad}, env.Attester.Hex(), env.CreatedAt.Unix()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO attestation_outbox").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectExec("INSERT INTO attestation_outbox").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(3))

	store := NewMySQL(db)
	ctx := context.Background()
	if err := store.Publish(ctx, env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := store.Publish(ctx, env); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected duplicate to be invalid argument, got %v", err)
	}
	err = store.Publish(ctx, env)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable storage failure, got %v", err)
	}
	n, err := store.Pending(ctx)
	if err != nil || n != 3 {
		t.Fatalf("pending = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	files := fstest.MapFS{
		"001_first.sql":  {Data: []byte("CREATE TABLE first (id INT);")},
		"002_second.sql": {Data: []byte("CREATE TABLE second (id INT);\nCREATE INDEX idx_second ON second (id);")},
		"README.md":      {Data: []byte("ignored")},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("001"))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE second").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX idx_second").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs("002", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := migrate(context.Background(), db, files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	files := fstest.MapFS{"001_bad.sql": {Data: []byte("CREATE TABLE bad (")}}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE bad").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err = migrate(context.Background(), db, files)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	files, err := loadMigrations(migrations.Files)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) == 0 || files[0].version != "001" {
		t.Fatalf("unexpected migrations: %+v", files)
	}
	if !strings.Contains(files[0].statements[0], "attestation_outbox") {
		t.Fatalf("first migration should create the outbox table")
	}
}
