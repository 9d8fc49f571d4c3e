package wallace

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// MigrateAll runs every pending script in ascending timestamp order.
//
// Ordinary migration failures do not surface as an error: the returned result
// has Success=false and carries them in Errors, so batch and CI callers can
// inspect partial progress. Setup and precondition failures (connection,
// lock, blocking validation) and rollback failures return a non-nil error.
func (m *Migrator) MigrateAll(ctx context.Context) (*MigrationResult, error) {
	return m.migrate(ctx, nil)
}

// MigrateToVersion runs pending scripts up to and including target. Unlike
// MigrateAll it is fail-fast: a failed run returns the error after recovery.
func (m *Migrator) MigrateToVersion(ctx context.Context, target int64) (*MigrationResult, error) {
	if target <= 0 {
		return nil, IllegalTimestampError{Timestamp: target}
	}
	result, err := m.migrate(ctx, &target)
	if err != nil {
		return result, err
	}
	if !result.Success {
		return result, result.Errors
	}
	return result, nil
}

func (m *Migrator) migrate(ctx context.Context, target *int64) (result *MigrationResult, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	defer func() {
		if err != nil {
			m.fireError(err)
		}
	}()

	if err := m.db.CheckConnection(ctx); err != nil {
		return nil, errors.WithMessage(err, "database connection check failed")
	}

	executorID := NewExecutorID()
	if m.lock != nil {
		if err := m.lock.Acquire(ctx, executorID); err != nil {
			return nil, err
		}
		defer m.lock.Release(ctx, executorID)
	}

	if m.beforeMigrate != nil && !m.dryRun {
		if err := m.beforeMigrate(ctx, m.db); err != nil {
			return nil, errors.WithMessage(err, "before-migrate script failed")
		}
	}

	if err := m.store.Init(ctx, m.tableName); err != nil {
		return nil, errors.WithMessage(err, "tracking store init failed")
	}

	set, err := m.loadScriptSet(ctx)
	if err != nil {
		return nil, err
	}
	if target != nil {
		set.Pending = GetPendingUpTo(set.Migrated, set.All, *target)
	}

	m.fireStart(set)

	if err := m.runValidation(ctx, set); err != nil {
		return nil, err
	}
	if err := checkHybridBatch(set.Pending, m.txnConfig.Mode, m.txn != nil); err != nil {
		return nil, err
	}

	backupPath := ""
	if m.recovery.ShouldCreateBackup() && !m.dryRun {
		m.fireBeforeBackup()
		backupPath, err = m.backup.Backup(ctx)
		if err != nil {
			return nil, errors.WithMessage(err, "pre-run backup failed")
		}
		m.fireAfterBackup(backupPath)
		m.logger.Info("pre-run backup created", zap.String("path", backupPath))
	}

	if rerr := m.reporter.Report(set); rerr != nil {
		m.logger.Warn("reporter failed", zap.Error(rerr))
	}

	if len(set.Pending) == 0 {
		m.logger.Info("no pending migrations")
		m.deleteBackup(ctx, backupPath)
		result = &MigrationResult{
			Success:  true,
			Migrated: set.Migrated,
			Ignored:  set.Ignored,
		}
		m.fireComplete(result)
		return result, nil
	}

	m.logger.Info("executing pending migrations",
		zap.Int("pending", len(set.Pending)),
		zap.Bool("dryRun", m.dryRun),
		zap.String("mode", m.txnConfig.Mode.String()))

	execErr := m.execute(ctx, set)

	result = &MigrationResult{
		Success:  execErr == nil,
		Executed: set.Executed,
		Migrated: set.Migrated,
		Ignored:  set.Ignored,
	}

	if execErr != nil {
		m.logger.Error("migration run failed", zap.Error(execErr))
		result.Errors = multierr.Append(result.Errors, execErr)

		if !m.dryRun {
			if rbErr := m.recovery.Recover(ctx, set.Executed, backupPath); rbErr != nil {
				result.Errors = multierr.Append(result.Errors, rbErr)
				m.fireComplete(result)
				return result, errors.WithMessage(rbErr, "rollback failed, manual intervention may be required")
			}
		}

		m.fireComplete(result)
		return result, nil
	}

	if !m.dryRun {
		m.deleteBackup(ctx, backupPath)
	}
	m.logger.Info("migration run complete", zap.Int("executed", len(set.Executed)))
	m.fireComplete(result)
	return result, nil
}

func (m *Migrator) runValidation(ctx context.Context, set *ScriptSet) error {
	if m.validator == nil {
		return nil
	}

	issues, err := m.validator.Validate(ctx, set)
	if err != nil {
		return errors.WithMessage(err, "validation could not run")
	}
	if len(issues) == 0 {
		return nil
	}

	blocking := m.strict
	if !blocking {
		for _, issue := range issues {
			if issue.Severity == SeverityError {
				blocking = true
				break
			}
		}
	}
	if blocking {
		return ValidationError{Issues: issues}
	}

	for _, issue := range issues {
		m.logger.Warn("validation issue", zap.String("issue", issue.String()))
	}
	return nil
}

func (m *Migrator) execute(ctx context.Context, set *ScriptSet) error {
	if m.dryRun {
		return m.executeDryRun(ctx, set)
	}

	managed := m.txn != nil && m.txnConfig.Mode != TransactionNone
	batch := managed && m.txnConfig.Mode == TransactionPerBatch
	perScript := managed && m.txnConfig.Mode == TransactionPerMigration

	if batch {
		if err := m.txn.Begin(ctx); err != nil {
			return err
		}
	}

	for _, script := range set.Pending {
		// Appended before running so a failure mid-script still yields the
		// correct rollback list.
		set.Executed = append(set.Executed, script)
		m.fireBeforeMigrate(script)
		script.StartedAt = time.Now()
		script.Username = m.username

		if perScript {
			if err := m.txn.Begin(ctx); err != nil {
				return err
			}
		}

		var runErr error
		if managed {
			runErr = m.txn.Run(ctx, func(c context.Context) error {
				return script.Up(c, m.db)
			})
		} else {
			runErr = script.Up(ctx, m.db)
		}
		if runErr != nil {
			script.Result = "FAILED"
			m.fireMigrationError(script, runErr)
			if managed {
				if rbErr := m.txn.Rollback(ctx); rbErr != nil {
					runErr = multierr.Append(runErr, rbErr)
				}
			}
			return errors.Wrapf(runErr, "migration %s failed", script.Name)
		}

		if perScript {
			if err := m.txn.Commit(ctx); err != nil {
				script.Result = "FAILED"
				m.fireMigrationError(script, err)
				if rbErr := m.txn.Rollback(ctx); rbErr != nil {
					err = multierr.Append(err, rbErr)
				}
				return errors.Wrapf(err, "commit for migration %s failed", script.Name)
			}
		}

		script.FinishedAt = time.Now()
		script.Result = "OK"
		m.fireAfterMigrate(script)

		// Batch mode records after the batch commit: a rolled-back batch
		// must leave no tracking records behind.
		if !batch {
			if err := m.store.Save(ctx, script); err != nil {
				return errors.Wrapf(err, "recording migration %s failed", script.Name)
			}
		}
	}

	if batch {
		if err := m.txn.Commit(ctx); err != nil {
			if rbErr := m.txn.Rollback(ctx); rbErr != nil {
				err = multierr.Append(err, rbErr)
			}
			return errors.WithMessage(err, "batch commit failed")
		}
		for _, script := range set.Executed {
			if err := m.store.Save(ctx, script); err != nil {
				return errors.Wrapf(err, "recording migration %s failed", script.Name)
			}
		}
	}

	return nil
}

// executeDryRun runs every pending script inside one transaction that is
// always rolled back, validating that migrations are correct and
// transaction-compatible without persisting anything. Without a transaction
// manager it only reports what would execute.
func (m *Migrator) executeDryRun(ctx context.Context, set *ScriptSet) error {
	if m.txn == nil {
		m.logger.Info("dry run without transaction support, reporting only")
		for _, script := range set.Pending {
			set.Executed = append(set.Executed, script)
			script.DryRun = true
			script.Result = "DRY_RUN"
		}
		return nil
	}

	if err := m.txn.Begin(ctx); err != nil {
		return err
	}

	var runErr error
	for _, script := range set.Pending {
		set.Executed = append(set.Executed, script)
		script.DryRun = true
		m.fireBeforeMigrate(script)
		script.StartedAt = time.Now()

		runErr = m.txn.Run(ctx, func(c context.Context) error {
			return script.Up(c, m.db)
		})
		if runErr != nil {
			script.Result = "FAILED"
			m.fireMigrationError(script, runErr)
			runErr = errors.Wrapf(runErr, "migration %s failed during dry run", script.Name)
			break
		}

		script.FinishedAt = time.Now()
		script.Result = "DRY_RUN"
	}

	if rbErr := m.txn.Rollback(ctx); rbErr != nil {
		runErr = multierr.Append(runErr, rbErr)
	}
	return runErr
}

// deleteBackup is best-effort cleanup after a successful run. CREATE_ONLY
// backups are kept on purpose.
func (m *Migrator) deleteBackup(ctx context.Context, backupPath string) {
	if backupPath == "" || m.backup == nil {
		return
	}
	if m.backupMode != BackupFull {
		return
	}
	if err := m.backup.DeleteBackup(ctx); err != nil {
		m.logger.Warn("backup cleanup failed", zap.String("path", backupPath), zap.Error(err))
	}
}
