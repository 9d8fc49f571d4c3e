package wallace

import "time"

// TransactionMode is the granularity of automatic transaction wrapping.
type TransactionMode uint8

const (
	// TransactionPerMigration wraps every script in its own transaction.
	TransactionPerMigration TransactionMode = iota
	// TransactionPerBatch wraps the whole pending set in one transaction.
	TransactionPerBatch
	// TransactionNone leaves transaction handling to the scripts themselves.
	TransactionNone
)

func (m TransactionMode) String() string {
	switch m {
	case TransactionPerMigration:
		return "PER_MIGRATION"
	case TransactionPerBatch:
		return "PER_BATCH"
	case TransactionNone:
		return "NONE"
	default:
		return "INVALID"
	}
}

// IsolationLevel is passed through to the underlying database when it
// supports isolation levels; values follow SQL spelling ("serializable",
// "repeatable read", ...).
type IsolationLevel string

// TransactionConfig controls transaction wrapping and commit retry.
type TransactionConfig struct {
	Mode      TransactionMode
	Isolation IsolationLevel
	Timeout   time.Duration
	// Retries is the total number of commit attempts for retriable errors.
	Retries int
	// RetryDelay is the base delay between commit attempts.
	RetryDelay time.Duration
	// RetryBackoff doubles the delay after every failed attempt.
	RetryBackoff bool
}

// DefaultTransactionConfig returns the PER_MIGRATION default with three
// commit attempts and exponential backoff starting at 100ms.
func DefaultTransactionConfig() TransactionConfig {
	return TransactionConfig{
		Mode:         TransactionPerMigration,
		Retries:      3,
		RetryDelay:   100 * time.Millisecond,
		RetryBackoff: true,
	}
}

func (c TransactionConfig) normalized() TransactionConfig {
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	return c
}

// LockingConfig controls the distributed executor lock.
type LockingConfig struct {
	Enabled bool
	// Timeout is the lock expiry; a lock older than this is eligible for
	// takeover by another executor.
	Timeout   time.Duration
	TableName string
	// RetryAttempts is the number of additional acquisition attempts after
	// the first failure. Zero means fail-fast.
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultLockingConfig returns the fail-fast default with a 10 minute expiry.
func DefaultLockingConfig() LockingConfig {
	return LockingConfig{
		Enabled:    true,
		Timeout:    10 * time.Minute,
		TableName:  "migration_lock",
		RetryDelay: time.Second,
	}
}

func (c LockingConfig) normalized() LockingConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.TableName == "" {
		c.TableName = "migration_lock"
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// LockStatus describes the current holder of the executor lock.
type LockStatus struct {
	IsLocked  bool
	LockedBy  string
	LockedAt  time.Time
	ExpiresAt time.Time
}

// RollbackStrategy selects the recovery action after a failed run.
type RollbackStrategy uint8

const (
	// RollbackNone leaves the database partially migrated and only warns.
	RollbackNone RollbackStrategy = iota
	// RollbackDown undoes attempted scripts via their down() in reverse order.
	RollbackDown
	// RollbackBackup restores the pre-run snapshot.
	RollbackBackup
	// RollbackBoth tries down() first and falls back to the snapshot.
	RollbackBoth
)

func (s RollbackStrategy) String() string {
	switch s {
	case RollbackNone:
		return "NONE"
	case RollbackDown:
		return "DOWN"
	case RollbackBackup:
		return "BACKUP"
	case RollbackBoth:
		return "BOTH"
	default:
		return "INVALID"
	}
}

// BackupMode controls when snapshots are created and restored.
type BackupMode uint8

const (
	// BackupFull creates a snapshot before the run and restores on failure.
	BackupFull BackupMode = iota
	// BackupCreateOnly creates a snapshot but never restores automatically.
	BackupCreateOnly
	// BackupRestoreOnly restores an existing snapshot but never creates one.
	BackupRestoreOnly
	// BackupManual leaves both sides to the operator.
	BackupManual
)

func (m BackupMode) String() string {
	switch m {
	case BackupFull:
		return "FULL"
	case BackupCreateOnly:
		return "CREATE_ONLY"
	case BackupRestoreOnly:
		return "RESTORE_ONLY"
	case BackupManual:
		return "MANUAL"
	default:
		return "INVALID"
	}
}
