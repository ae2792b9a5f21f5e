package lock

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	"github.com/nimburion/queuejob/pkg/testutil"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func TestPostgresProvider_Acquire(t *testing.T) {
	db, mock := newMockDB(t)
	provider, err := newPostgresProviderWithDB(db, SQLConfig{Table: "job_locks", OperationTimeout: time.Second}, logger.Nop())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM upsert\\)").
		WithArgs("entry-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM upsert\\)").
		WithArgs("entry-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	lease, acquired, err := provider.Acquire(context.Background(), "entry-1", time.Second)
	if err != nil || !acquired || lease == nil || strings.TrimSpace(lease.Token) == "" {
		t.Fatalf("expected lease, got %v, %v, %v", lease, acquired, err)
	}
	if _, acquired, err := provider.Acquire(context.Background(), "entry-1", time.Second); err != nil || acquired {
		t.Fatalf("expected contention, got %v, %v", acquired, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresProvider_RenewAndRelease(t *testing.T) {
	db, mock := newMockDB(t)
	provider, _ := newPostgresProviderWithDB(db, SQLConfig{Table: "job_locks", OperationTimeout: time.Second}, logger.Nop())
	lease := &Lease{Key: "entry-1", Token: "token-1"}

	mock.ExpectExec("UPDATE job_locks SET expires_at=\\$3, updated_at=NOW\\(\\) WHERE lock_key=\\$1 AND token=\\$2 AND expires_at > NOW\\(\\)").
		WithArgs("entry-1", "token-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := provider.Renew(context.Background(), lease, time.Second); err != nil {
		t.Fatalf("renew: %v", err)
	}

	mock.ExpectExec("DELETE FROM job_locks WHERE lock_key=\\$1 AND token=\\$2").
		WithArgs("entry-1", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := provider.Release(context.Background(), lease); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected release conflict, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLProviders_RejectInvalidTable(t *testing.T) {
	db, _ := newMockDB(t)
	if _, err := newPostgresProviderWithDB(db, SQLConfig{Table: "locks;drop"}, logger.Nop()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := newMySQLProviderWithDB(db, SQLConfig{Table: "1locks"}, logger.Nop()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := NewPostgresProvider(SQLConfig{}, logger.Nop()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected missing url error, got %v", err)
	}
}

func TestMySQLProvider_AcquireUsesAffectedRows(t *testing.T) {
	db, mock := newMockDB(t)
	provider, err := newMySQLProviderWithDB(db, SQLConfig{OperationTimeout: time.Second}, logger.Nop())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	mock.ExpectExec("INSERT INTO queuejob_locks").
		WithArgs("entry-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO queuejob_locks").
		WithArgs("entry-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO queuejob_locks").
		WithArgs("entry-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	if _, acquired, err := provider.Acquire(context.Background(), "entry-1", time.Second); err != nil || !acquired {
		t.Fatalf("expected acquired, got %v, %v", acquired, err)
	}
	if _, acquired, err := provider.Acquire(context.Background(), "entry-1", time.Second); err != nil || acquired {
		t.Fatalf("expected contention, got %v, %v", acquired, err)
	}
	if _, _, err := provider.Acquire(context.Background(), "entry-1", time.Second); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLProvider_RenewAndRelease(t *testing.T) {
	db, mock := newMockDB(t)
	provider, _ := newMySQLProviderWithDB(db, SQLConfig{}, logger.Nop())
	lease := &Lease{Key: "entry-1", Token: "token-1"}

	mock.ExpectExec("UPDATE queuejob_locks SET expires_at=\\?").
		WithArgs(sqlmock.AnyArg(), "entry-1", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := provider.Renew(context.Background(), lease, time.Second); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected renew conflict, got %v", err)
	}

	mock.ExpectExec("DELETE FROM queuejob_locks WHERE lock_key=\\? AND token=\\?").
		WithArgs("entry-1", "token-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := provider.Release(context.Background(), lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresProvider_Integration(t *testing.T) {
	testutil.RequireDocker(t)

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	provider, err := NewPostgresProvider(SQLConfig{URL: connStr}, logger.Nop())
	if err != nil {
		t.Fatalf("NewPostgresProvider() error = %v", err)
	}
	defer provider.Close()

	handle, err := Acquire(ctx, provider, "entry-1", time.Minute)
	if err != nil || handle == nil {
		t.Fatalf("Acquire() = %v, %v", handle, err)
	}
	if contended, err := Acquire(ctx, provider, "entry-1", time.Minute); err != nil || contended != nil {
		t.Fatalf("expected contention, got %v, %v", contended, err)
	}
	if err := handle.Renew(ctx, time.Minute); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if err := handle.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if again, err := Acquire(ctx, provider, "entry-1", time.Minute); err != nil || again == nil {
		t.Fatalf("expected lock to be free after release, got %v, %v", again, err)
	}
}
