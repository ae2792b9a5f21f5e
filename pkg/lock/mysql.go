package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/nimburion/queuejob/pkg/observability/logger"
)

// MySQLProvider stores lock rows in a MySQL table. The DSN must not enable
// clientFoundRows, since acquisition relies on unchanged rows reporting zero
// affected rows.
type MySQLProvider struct {
	sqlBase
}

// NewMySQLProvider opens the database and creates the lock table if needed.
func NewMySQLProvider(cfg SQLConfig, log logger.Logger) (*MySQLProvider, error) {
	db, cfg, err := openSQL("mysql", cfg, log)
	if err != nil {
		return nil, err
	}
	provider := &MySQLProvider{sqlBase{db: db, log: log, config: cfg}}
	if !cfg.SkipMigrate {
		if err := provider.ensureTable(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return provider, nil
}

func newMySQLProviderWithDB(db *sql.DB, cfg SQLConfig, log logger.Logger) (*MySQLProvider, error) {
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
	return &MySQLProvider{sqlBase{db: db, log: log, config: cfg}}, nil
}

func (p *MySQLProvider) Name() string { return "mysql" }

func (p *MySQLProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if p == nil || p.db == nil {
		return nil, false, lockError(ErrNotInitialized, "mysql lock provider is not initialized")
	}
	key, err := validateAcquire(key, ttl)
	if err != nil {
		return nil, false, err
	}

	token := uuid.NewString()
	expiresAt := time.Now().UTC().Add(ttl)
	// expires_at is assigned last so every condition sees the previous expiry.
	query := fmt.Sprintf(`
INSERT INTO %s (lock_key, token, expires_at, updated_at)
VALUES (?, ?, ?, UTC_TIMESTAMP(6))
ON DUPLICATE KEY UPDATE
	token = IF(expires_at <= UTC_TIMESTAMP(6), VALUES(token), token),
	updated_at = IF(expires_at <= UTC_TIMESTAMP(6), UTC_TIMESTAMP(6), updated_at),
	expires_at = IF(expires_at <= UTC_TIMESTAMP(6), VALUES(expires_at), expires_at)
`, p.config.Table)

	affected, err := p.exec(ctx, query, key, token, expiresAt)
	if err != nil {
		return nil, false, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}
	if affected == 0 {
		return nil, false, nil
	}
	return &Lease{Key: key, Token: token, ExpireAt: expiresAt}, true, nil
}

func (p *MySQLProvider) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if p == nil || p.db == nil {
		return lockError(ErrNotInitialized, "mysql lock provider is not initialized")
	}
	key, token, err := validateLease(lease)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}

	expiresAt := time.Now().UTC().Add(ttl)
	query := fmt.Sprintf(`UPDATE %s SET expires_at=?, updated_at=UTC_TIMESTAMP(6) WHERE lock_key=? AND token=? AND expires_at > UTC_TIMESTAMP(6)`, p.config.Table)
	affected, err := p.exec(ctx, query, expiresAt, key, token)
	if err != nil {
		return errors.Join(lockError(ErrRetryable, "renew lock failed"), err)
	}
	if affected == 0 {
		return lockError(ErrConflict, "lock renew rejected")
	}
	lease.ExpireAt = expiresAt
	return nil
}

func (p *MySQLProvider) Release(ctx context.Context, lease *Lease) error {
	if p == nil || p.db == nil {
		return lockError(ErrNotInitialized, "mysql lock provider is not initialized")
	}
	key, token, err := validateLease(lease)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key=? AND token=?`, p.config.Table)
	affected, err := p.exec(ctx, query, key, token)
	if err != nil {
		return errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	if affected == 0 {
		return lockError(ErrConflict, "lock release rejected")
	}
	return nil
}

func (p *MySQLProvider) HealthCheck(ctx context.Context) error {
	if p == nil {
		return lockError(ErrNotInitialized, "mysql lock provider is not initialized")
	}
	return p.healthCheck(ctx)
}

func (p *MySQLProvider) Close() error {
	if p == nil {
		return nil
	}
	return p.close()
}

func (p *MySQLProvider) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lock_key VARCHAR(255) NOT NULL PRIMARY KEY,
	token VARCHAR(64) NOT NULL,
	expires_at DATETIME(6) NOT NULL,
	updated_at DATETIME(6) NOT NULL
)`, p.config.Table)
	_, err := p.exec(ctx, query)
	return err
}
