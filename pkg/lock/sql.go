package lock

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"time"

	"github.com/nimburion/queuejob/pkg/observability/logger"
)

const (
	defaultSQLLockTable        = "queuejob_locks"
	defaultSQLOperationTimeout = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQLConfig configures the table-backed Postgres and MySQL providers.
type SQLConfig struct {
	URL              string
	Table            string
	OperationTimeout time.Duration
	// SkipMigrate disables the CREATE TABLE IF NOT EXISTS issued at startup.
	SkipMigrate bool
}

func (c *SQLConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultSQLLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultSQLOperationTimeout
	}
}

func (c SQLConfig) validate() error {
	if !validTableName.MatchString(c.Table) {
		return lockError(ErrValidation, "invalid lock table name "+c.Table)
	}
	return nil
}

// sqlBase holds what the table-backed providers share.
type sqlBase struct {
	db     *sql.DB
	log    logger.Logger
	config SQLConfig
}

func openSQL(driver string, cfg SQLConfig, log logger.Logger) (*sql.DB, SQLConfig, error) {
	if log == nil {
		return nil, cfg, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, cfg, lockError(ErrInvalidArgument, driver+" url is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, cfg, err
	}

	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, cfg, lockError(ErrValidation, "open "+driver+" failed: "+err.Error())
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, cfg, lockError(ErrRetryable, "ping "+driver+" failed: "+err.Error())
	}
	return db, cfg, nil
}

func (b *sqlBase) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, b.config.OperationTimeout)
}

func (b *sqlBase) exec(ctx context.Context, query string, args ...any) (int64, error) {
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	result, err := b.db.ExecContext(opCtx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (b *sqlBase) healthCheck(ctx context.Context) error {
	if b.db == nil {
		return lockError(ErrNotInitialized, "sql lock provider is not initialized")
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	return b.db.PingContext(opCtx)
}

func (b *sqlBase) close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
