package wallace

import "context"

// Database is the minimal handle every adapter provides. Optional
// capabilities (transactions, locking, raw execution) are detected by type
// assertion at construction time.
type Database interface {
	CheckConnection(ctx context.Context) error
}

// SQLExecutor is implemented by adapters that can execute raw statements.
// Scripts produced by the SQL directory scanner require it.
type SQLExecutor interface {
	Exec(ctx context.Context, stmt string) error
}

// TransactionCapable is the imperative (SQL-style) transaction capability.
// The handle keeps one open transaction at a time and routes statements
// through it until Commit or Rollback.
type TransactionCapable interface {
	BeginTransaction(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// IsolationCapable is implemented by handles that honor isolation levels.
type IsolationCapable interface {
	SetIsolationLevel(ctx context.Context, level IsolationLevel) error
}

// CallbackTransactionCapable is the provider-managed (NoSQL-style)
// transaction capability: the provider runs fn inside one transaction and
// commits or aborts it itself.
type CallbackTransactionCapable interface {
	RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// LockingCapable is the distributed-lock capability backing the locking
// orchestrator. Acquisition must be an atomic insert-if-absent keyed by the
// executor id.
type LockingCapable interface {
	AcquireLock(ctx context.Context, executorID string) (bool, error)
	VerifyLockOwnership(ctx context.Context, executorID string) (bool, error)
	ReleaseLock(ctx context.Context, executorID string) error
	ForceReleaseLock(ctx context.Context) error
	GetLockStatus(ctx context.Context) (*LockStatus, error)
	CheckAndReleaseExpiredLock(ctx context.Context) error
}

// TrackingStore is the schema-version tracking store, the single source of
// truth for which migrations have executed.
type TrackingStore interface {
	Init(ctx context.Context, tableName string) error
	Save(ctx context.Context, script *MigrationScript) error
	Remove(ctx context.Context, timestamp int64) error
	AllMigrated(ctx context.Context) ([]*MigrationScript, error)
}

// BackupService creates and restores pre-run snapshots.
type BackupService interface {
	Backup(ctx context.Context) (string, error)
	Restore(ctx context.Context, path string) error
	DeleteBackup(ctx context.Context) error
}

// Scanner discovers migration scripts, typically from the filesystem.
type Scanner interface {
	Scan(ctx context.Context) ([]*MigrationScript, error)
}

// Validator checks a script set before execution and returns per-script
// issues. Blocking is decided by the workflow (any error-level issue, or any
// issue at all under strict mode).
type Validator interface {
	Validate(ctx context.Context, set *ScriptSet) ([]Issue, error)
}
