// Package postgres adapts a pgx connection pool to the wallace capability
// set: connection check, imperative transactions, raw statement execution,
// the schema-version tracking store, and the distributed executor lock.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/wallacedb/wallace"
)

const schemaQuery = `CREATE TABLE IF NOT EXISTS %s (
	id             BIGINT GENERATED ALWAYS AS IDENTITY NOT NULL,
	version        BIGINT NOT NULL,
	name           TEXT NOT NULL,
	checksum       TEXT NOT NULL DEFAULT '',
	username       TEXT NOT NULL DEFAULT '',
	applied_at     TIMESTAMPTZ NOT NULL,
	execution_time INTERVAL NOT NULL,
	UNIQUE(version),
	PRIMARY KEY (id)
);`

const insertQuery = `INSERT INTO %s (
	version,
	name,
	checksum,
	username,
	applied_at,
	execution_time
) VALUES ($1, $2, $3, $4, $5, $6);`

const lockSchemaQuery = `CREATE TABLE IF NOT EXISTS %s (
	id         INT PRIMARY KEY,
	locked_by  TEXT NOT NULL,
	locked_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);`

// The lock table holds at most this single row.
const lockRowID = 1

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.]*$`)

// DB is the database handle handed to wallace.New. It implements Database,
// SQLExecutor, TransactionCapable, IsolationCapable, LockingCapable, and
// TrackingStore.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger

	trackTable  string
	lockTable   string
	lockTimeout time.Duration

	lockTableOnce sync.Once
	lockTableErr  error

	mu        sync.Mutex
	tx        pgx.Tx
	isolation pgx.TxIsoLevel
}

type Option func(*DB)

// WithLogger replaces the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *DB) { d.logger = logger }
}

// WithLockTable sets the executor-lock table name.
func WithLockTable(name string) Option {
	return func(d *DB) { d.lockTable = name }
}

// WithLockTimeout sets the lock expiry written on acquisition.
func WithLockTimeout(timeout time.Duration) Option {
	return func(d *DB) { d.lockTimeout = timeout }
}

// New wraps an existing pool. The pool stays owned by the caller.
func New(pool *pgxpool.Pool, options ...Option) *DB {
	d := &DB{
		pool:        pool,
		logger:      zap.NewNop(),
		lockTable:   "migration_lock",
		lockTimeout: 10 * time.Minute,
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// CheckConnection pings the database.
func (d *DB) CheckConnection(ctx context.Context) error {
	return errors.WithStack(d.pool.Ping(ctx))
}

// Exec runs a raw statement, through the open transaction when one exists.
func (d *DB) Exec(ctx context.Context, stmt string) error {
	d.mu.Lock()
	tx := d.tx
	d.mu.Unlock()

	var err error
	if tx != nil {
		_, err = tx.Exec(ctx, stmt)
	} else {
		_, err = d.pool.Exec(ctx, stmt)
	}
	return errors.WithStack(err)
}

// BeginTransaction opens the handle's single transaction.
func (d *DB) BeginTransaction(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tx != nil {
		return errors.New("transaction already open")
	}
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: d.isolation})
	if err != nil {
		return errors.WithStack(err)
	}
	d.tx = tx
	return nil
}

// Commit commits the open transaction. On a retriable failure the handle is
// kept so a retried Commit reaches the same transaction; it is cleared on
// success and on non-retriable failures.
func (d *DB) Commit(ctx context.Context) error {
	d.mu.Lock()
	tx := d.tx
	d.mu.Unlock()

	if tx == nil {
		return errors.New("no open transaction to commit")
	}

	err := tx.Commit(ctx)
	if err != nil && wallace.IsRetriable(err) {
		return errors.WithStack(err)
	}

	d.mu.Lock()
	d.tx = nil
	d.mu.Unlock()
	return errors.WithStack(err)
}

func (d *DB) Rollback(ctx context.Context) error {
	d.mu.Lock()
	tx := d.tx
	d.tx = nil
	d.mu.Unlock()

	if tx == nil {
		return nil
	}
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errors.WithStack(err)
	}
	return nil
}

// SetIsolationLevel takes effect at the next BeginTransaction.
func (d *DB) SetIsolationLevel(ctx context.Context, level wallace.IsolationLevel) error {
	switch pgx.TxIsoLevel(level) {
	case pgx.Serializable, pgx.RepeatableRead, pgx.ReadCommitted, pgx.ReadUncommitted:
	default:
		return errors.Errorf("unsupported isolation level %q", level)
	}
	d.mu.Lock()
	d.isolation = pgx.TxIsoLevel(level)
	d.mu.Unlock()
	return nil
}

// Init creates the tracking table.
func (d *DB) Init(ctx context.Context, tableName string) error {
	if !identPattern.MatchString(tableName) {
		return errors.Errorf("invalid tracking table name %q", tableName)
	}
	d.trackTable = tableName
	_, err := d.pool.Exec(ctx, fmt.Sprintf(schemaQuery, tableName))
	return errors.WithStack(err)
}

// Save inserts one execution record.
func (d *DB) Save(ctx context.Context, script *wallace.MigrationScript) error {
	if d.trackTable == "" {
		return errors.New("tracking store not initialized")
	}
	_, err := d.pool.Exec(ctx, fmt.Sprintf(insertQuery, d.trackTable),
		script.Timestamp,
		script.Name,
		script.Checksum,
		script.Username,
		script.StartedAt,
		script.FinishedAt.Sub(script.StartedAt),
	)
	if err != nil {
		return errors.WithMessage(err, "insert record failed")
	}
	return nil
}

// Remove deletes the record for one timestamp.
func (d *DB) Remove(ctx context.Context, timestamp int64) error {
	if d.trackTable == "" {
		return errors.New("tracking store not initialized")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE version = $1;`, d.trackTable)
	_, err := d.pool.Exec(ctx, query, timestamp)
	return errors.WithStack(err)
}

// AllMigrated returns every execution record in ascending version order.
func (d *DB) AllMigrated(ctx context.Context) ([]*wallace.MigrationScript, error) {
	if d.trackTable == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT
	version,
	name,
	checksum,
	username,
	applied_at,
	execution_time
FROM %s
	ORDER BY version ASC;`, d.trackTable)
	rows, err := d.pool.Query(ctx, query)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var migrated []*wallace.MigrationScript
	for rows.Next() {
		script := &wallace.MigrationScript{Result: "OK"}
		var execTime time.Duration
		err := rows.Scan(&script.Timestamp, &script.Name, &script.Checksum,
			&script.Username, &script.StartedAt, &execTime)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		script.FinishedAt = script.StartedAt.Add(execTime)
		migrated = append(migrated, script)
	}
	return migrated, errors.WithStack(rows.Err())
}

func (d *DB) ensureLockTable(ctx context.Context) error {
	d.lockTableOnce.Do(func() {
		if !identPattern.MatchString(d.lockTable) {
			d.lockTableErr = errors.Errorf("invalid lock table name %q", d.lockTable)
			return
		}
		_, err := d.pool.Exec(ctx, fmt.Sprintf(lockSchemaQuery, d.lockTable))
		d.lockTableErr = errors.WithStack(err)
	})
	return d.lockTableErr
}

// AcquireLock inserts the lock row if absent. ON CONFLICT DO NOTHING keeps
// the insert atomic against concurrent executors.
func (d *DB) AcquireLock(ctx context.Context, executorID string) (bool, error) {
	if err := d.ensureLockTable(ctx); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, locked_by, locked_at, expires_at)
	VALUES ($1, $2, now(), now() + $3::interval)
	ON CONFLICT (id) DO NOTHING;`, d.lockTable)
	tag, err := d.pool.Exec(ctx, query, lockRowID, executorID, d.lockTimeout)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return tag.RowsAffected() == 1, nil
}

// VerifyLockOwnership re-reads the lock row and compares the holder.
func (d *DB) VerifyLockOwnership(ctx context.Context, executorID string) (bool, error) {
	if err := d.ensureLockTable(ctx); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`SELECT locked_by FROM %s WHERE id = $1;`, d.lockTable)
	var lockedBy string
	err := d.pool.QueryRow(ctx, query, lockRowID).Scan(&lockedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	return lockedBy == executorID, nil
}

// ReleaseLock deletes the lock row only while still owned.
func (d *DB) ReleaseLock(ctx context.Context, executorID string) error {
	if err := d.ensureLockTable(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND locked_by = $2;`, d.lockTable)
	tag, err := d.pool.Exec(ctx, query, lockRowID, executorID)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("lock no longer owned by %s", executorID)
	}
	return nil
}

// ForceReleaseLock unconditionally deletes the lock row.
func (d *DB) ForceReleaseLock(ctx context.Context) error {
	if err := d.ensureLockTable(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1;`, d.lockTable)
	_, err := d.pool.Exec(ctx, query, lockRowID)
	return errors.WithStack(err)
}

// GetLockStatus returns the current holder, or nil when unlocked.
func (d *DB) GetLockStatus(ctx context.Context) (*wallace.LockStatus, error) {
	if err := d.ensureLockTable(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT locked_by, locked_at, expires_at FROM %s WHERE id = $1;`, d.lockTable)
	status := &wallace.LockStatus{IsLocked: true}
	err := d.pool.QueryRow(ctx, query, lockRowID).
		Scan(&status.LockedBy, &status.LockedAt, &status.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return status, nil
}

// CheckAndReleaseExpiredLock deletes the lock row once its expiry has passed.
func (d *DB) CheckAndReleaseExpiredLock(ctx context.Context) error {
	if err := d.ensureLockTable(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND expires_at < now();`, d.lockTable)
	tag, err := d.pool.Exec(ctx, query, lockRowID)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() > 0 {
		d.logger.Warn("released expired migration lock")
	}
	return nil
}
