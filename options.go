package wallace

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Option interface {
	apply(m *Migrator) error
}

type optionFn func(m *Migrator) error

func (f optionFn) apply(m *Migrator) error {
	return f(m)
}

// WithMigrations registers Go migration scripts directly, in addition to
// whatever the scanner discovers.
func WithMigrations(scripts []*MigrationScript) Option {
	return optionFn(func(m *Migrator) error {
		m.registered = append(m.registered, scripts...)
		return nil
	})
}

// WithScanner sets the filesystem scanner.
func WithScanner(s Scanner) Option {
	return optionFn(func(m *Migrator) error {
		m.scanner = s
		return nil
	})
}

// WithTableName sets the tracking table name.
func WithTableName(tn string) Option {
	return optionFn(func(m *Migrator) error {
		if tn == "" {
			return errors.New("table name must not be empty")
		}
		m.tableName = tn
		return nil
	})
}

// WithLogger replaces the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return optionFn(func(m *Migrator) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		m.logger = logger
		return nil
	})
}

// WithTransactionConfig overrides transaction mode and retry policy.
func WithTransactionConfig(cfg TransactionConfig) Option {
	return optionFn(func(m *Migrator) error {
		m.txnConfig = cfg.normalized()
		return nil
	})
}

// WithLockingConfig overrides the executor-lock policy.
func WithLockingConfig(cfg LockingConfig) Option {
	return optionFn(func(m *Migrator) error {
		m.lockConfig = cfg.normalized()
		return nil
	})
}

// WithRollbackStrategy sets the recovery strategy for failed runs.
func WithRollbackStrategy(strategy RollbackStrategy) Option {
	return optionFn(func(m *Migrator) error {
		m.strategy = strategy
		return nil
	})
}

// WithBackupMode sets when snapshots are created and restored.
func WithBackupMode(mode BackupMode) Option {
	return optionFn(func(m *Migrator) error {
		m.backupMode = mode
		return nil
	})
}

// WithBackupService attaches a snapshot handler.
func WithBackupService(b BackupService) Option {
	return optionFn(func(m *Migrator) error {
		m.backup = b
		return nil
	})
}

// WithValidator replaces the structural validator.
func WithValidator(v Validator) Option {
	return optionFn(func(m *Migrator) error {
		m.validator = v
		return nil
	})
}

// WithReporter sets the status reporter.
func WithReporter(r Reporter) Option {
	return optionFn(func(m *Migrator) error {
		m.reporter = r
		return nil
	})
}

// WithHooks attaches lifecycle hooks.
func WithHooks(h Hooks) Option {
	return optionFn(func(m *Migrator) error {
		m.hooks = h
		return nil
	})
}

// WithDryRun makes runs execute inside a transaction that is always rolled
// back instead of committed.
func WithDryRun(enabled bool) Option {
	return optionFn(func(m *Migrator) error {
		m.dryRun = enabled
		return nil
	})
}

// WithStrict makes any validation issue blocking, not just error-level ones.
func WithStrict(enabled bool) Option {
	return optionFn(func(m *Migrator) error {
		m.strict = enabled
		return nil
	})
}

// WithUsername records who ran the migrations.
func WithUsername(name string) Option {
	return optionFn(func(m *Migrator) error {
		m.username = name
		return nil
	})
}

// WithBeforeMigrate runs a setup script after lock acquisition and before the
// tracking store is touched. Its result is never persisted, and it is skipped
// in dry runs.
func WithBeforeMigrate(fn MigrationFunc) Option {
	return optionFn(func(m *Migrator) error {
		m.beforeMigrate = fn
		return nil
	})
}
