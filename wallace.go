// Package wallace is a database-agnostic migration execution engine. Thin
// per-database adapters supply a connection handle plus optional transaction
// and locking capabilities; the engine decides which scripts must run, runs
// them in strict timestamp order under a distributed executor lock, records
// what happened, and recovers from failures according to the configured
// rollback strategy.
package wallace

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Migrator is the workflow orchestrator. Construct it with New; capability
// detection against the database handle happens once there.
type Migrator struct {
	db        Database
	store     TrackingStore
	scanner   Scanner
	validator Validator
	backup    BackupService
	reporter  Reporter
	hooks     Hooks

	registered []*MigrationScript

	txn      TransactionManager
	lock     *lockOrchestrator
	recovery *rollbackService

	tableName     string
	txnConfig     TransactionConfig
	lockConfig    LockingConfig
	strategy      RollbackStrategy
	backupMode    BackupMode
	strict        bool
	dryRun        bool
	username      string
	beforeMigrate MigrationFunc

	logger *zap.Logger
	mutex  sync.Mutex
}

// New builds a Migrator around a database handle and a tracking store.
// Optional capabilities (transactions, locking) are detected here by type
// assertion, never probed at run time.
func New(db Database, store TrackingStore, options ...Option) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("database handle must not be nil")
	}
	if store == nil {
		return nil, errors.New("tracking store must not be nil")
	}

	m := &Migrator{
		db:         db,
		store:      store,
		validator:  &StructuralValidator{},
		reporter:   NopReporter{},
		tableName:  "migration",
		txnConfig:  DefaultTransactionConfig(),
		lockConfig: DefaultLockingConfig(),
		strategy:   RollbackNone,
		backupMode: BackupFull,
		logger:     zap.NewNop(),
	}
	for _, o := range options {
		if err := o.apply(m); err != nil {
			return nil, err
		}
	}

	m.txn = detectTransactionManager(db, m.txnConfig, m.logger)
	if m.txn == nil && m.txnConfig.Mode != TransactionNone {
		m.logger.Warn("database handle has no transaction capability, scripts run unmanaged",
			zap.String("mode", m.txnConfig.Mode.String()))
	}

	if m.lockConfig.Enabled {
		if capability, ok := db.(LockingCapable); ok {
			m.lock = newLockOrchestrator(capability, m.lockConfig, m.logger)
		} else {
			m.logger.Debug("locking enabled but database handle has no locking capability, skipping")
		}
	}

	m.recovery = &rollbackService{
		db:       db,
		backup:   m.backup,
		strategy: m.strategy,
		mode:     m.backupMode,
		logger:   m.logger,
	}

	return m, nil
}

// Info classifies every known script against the tracking store.
func (m *Migrator) Info(ctx context.Context) ([]MigrationInfo, error) {
	set, err := m.loadScriptSet(ctx)
	if err != nil {
		return nil, err
	}

	sorted := append([]*MigrationScript(nil), set.All...)
	sort.Sort(byTimestamp(sorted))

	info := make([]MigrationInfo, 0, len(sorted))
	for _, script := range sorted {
		info = append(info, MigrationInfo{
			Status: statusOf(set.Migrated, script),
			Script: script,
		})
	}
	return info, nil
}

// LockStatus reports the current executor-lock holder.
func (m *Migrator) LockStatus(ctx context.Context) (*LockStatus, error) {
	if m.lock == nil {
		return nil, errors.New("locking is not configured")
	}
	return m.lock.Status(ctx)
}

// ForceReleaseLock unconditionally removes the executor lock. Operator
// recovery only.
func (m *Migrator) ForceReleaseLock(ctx context.Context) error {
	if m.lock == nil {
		return errors.New("locking is not configured")
	}
	return m.lock.ForceRelease(ctx)
}

// loadScriptSet merges tracking-store truth with filesystem truth. Tracking
// records matching a discovered script inherit its executable unit so that
// rollback candidates carry their down().
func (m *Migrator) loadScriptSet(ctx context.Context) (*ScriptSet, error) {
	migrated, err := m.store.AllMigrated(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "reading tracking store")
	}

	all := append([]*MigrationScript(nil), m.registered...)
	if m.scanner != nil {
		scanned, err := m.scanner.Scan(ctx)
		if err != nil {
			return nil, errors.WithMessage(err, "scanning migration scripts")
		}
		all = append(all, scanned...)
	}

	byTs := map[int64]*MigrationScript{}
	for _, script := range all {
		byTs[script.Timestamp] = script
	}
	for _, record := range migrated {
		if current, ok := byTs[record.Timestamp]; ok {
			record.Up = current.Up
			record.Down = current.Down
			record.FilePath = current.FilePath
			record.SelfContained = current.SelfContained
			if record.Name == "" {
				record.Name = current.Name
			}
		}
	}

	set := &ScriptSet{
		All:      all,
		Migrated: migrated,
		Pending:  GetPending(migrated, all),
		Ignored:  GetIgnored(migrated, all),
	}
	return set, nil
}
