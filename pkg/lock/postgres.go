package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nimburion/queuejob/pkg/observability/logger"
)

// PostgresProvider stores lock rows in a Postgres table. Expired rows are
// taken over by the next acquirer.
type PostgresProvider struct {
	sqlBase
}

// NewPostgresProvider opens the database and creates the lock table if needed.
func NewPostgresProvider(cfg SQLConfig, log logger.Logger) (*PostgresProvider, error) {
	db, cfg, err := openSQL("postgres", cfg, log)
	if err != nil {
		return nil, err
	}
	provider := &PostgresProvider{sqlBase{db: db, log: log, config: cfg}}
	if !cfg.SkipMigrate {
		if err := provider.ensureTable(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return provider, nil
}

func newPostgresProviderWithDB(db *sql.DB, cfg SQLConfig, log logger.Logger) (*PostgresProvider, error) {
	if db == nil {
		return nil, lockError(ErrInvalidArgument, "db is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &PostgresProvider{sqlBase{db: db, log: log, config: cfg}}, nil
}

func (p *PostgresProvider) Name() string { return "postgres" }

func (p *PostgresProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if p == nil || p.db == nil {
		return nil, false, lockError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	key, err := validateAcquire(key, ttl)
	if err != nil {
		return nil, false, err
	}

	token := uuid.NewString()
	expiresAt := time.Now().UTC().Add(ttl)
	query := fmt.Sprintf(`
WITH upsert AS (
	INSERT INTO %s(lock_key, token, expires_at, updated_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT(lock_key) DO UPDATE
	SET token = EXCLUDED.token,
	    expires_at = EXCLUDED.expires_at,
	    updated_at = NOW()
	WHERE %s.expires_at <= NOW()
	RETURNING 1
)
SELECT EXISTS(SELECT 1 FROM upsert)
`, p.config.Table, p.config.Table)

	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	var acquired bool
	if err := p.db.QueryRowContext(opCtx, query, key, token, expiresAt).Scan(&acquired); err != nil {
		return nil, false, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &Lease{Key: key, Token: token, ExpireAt: expiresAt}, true, nil
}

func (p *PostgresProvider) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if p == nil || p.db == nil {
		return lockError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	key, token, err := validateLease(lease)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	expiresAt := time.Now().UTC().Add(ttl)
	query := fmt.Sprintf(`UPDATE %s SET expires_at=$3, updated_at=NOW() WHERE lock_key=$1 AND token=$2 AND expires_at > NOW()`, p.config.Table)
	affected, err := p.exec(ctx, query, key, token, expiresAt)
	if err != nil {
		return errors.Join(lockError(ErrRetryable, "renew lock failed"), err)
	}
	if affected == 0 {
		return lockError(ErrConflict, "lock renew rejected")
	}
	lease.ExpireAt = expiresAt
	return nil
}

func (p *PostgresProvider) Release(ctx context.Context, lease *Lease) error {
	if p == nil || p.db == nil {
		return lockError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	key, token, err := validateLease(lease)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key=$1 AND token=$2`, p.config.Table)
	affected, err := p.exec(ctx, query, key, token)
	if err != nil {
		return errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	if affected == 0 {
		return lockError(ErrConflict, "lock release rejected")
	}
	return nil
}

func (p *PostgresProvider) HealthCheck(ctx context.Context) error {
	if p == nil {
		return lockError(ErrNotInitialized, "postgres lock provider is not initialized")
	}
	return p.healthCheck(ctx)
}

func (p *PostgresProvider) Close() error {
	if p == nil {
		return nil
	}
	return p.close()
}

func (p *PostgresProvider) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lock_key TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, p.config.Table)
	_, err := p.exec(ctx, query)
	return err
}
