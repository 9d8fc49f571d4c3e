package wallace

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// rollbackService executes the configured recovery strategy after a failed
// run.
type rollbackService struct {
	db       Database
	backup   BackupService
	strategy RollbackStrategy
	mode     BackupMode
	logger   *zap.Logger
}

// ShouldCreateBackup gates the pre-run snapshot: only when a backup handler
// exists, the strategy can use it, and the mode asks for creation. Evaluated
// once before the run so backup cost is paid only when recovery could need
// it.
func (s *rollbackService) ShouldCreateBackup() bool {
	if s.backup == nil {
		return false
	}
	if s.strategy != RollbackBackup && s.strategy != RollbackBoth {
		return false
	}
	return s.mode == BackupFull || s.mode == BackupCreateOnly
}

// Recover applies the strategy to the scripts attempted in this run,
// including the one that failed.
func (s *rollbackService) Recover(ctx context.Context, executed []*MigrationScript, backupPath string) error {
	switch s.strategy {
	case RollbackNone:
		s.logger.Warn("rollback strategy NONE, database left partially migrated",
			zap.Int("attempted", len(executed)))
		return nil
	case RollbackDown:
		return s.runDown(ctx, executed)
	case RollbackBackup:
		return s.restore(ctx, backupPath)
	case RollbackBoth:
		downErr := s.runDown(ctx, executed)
		if downErr == nil {
			return nil
		}
		s.logger.Warn("down() rollback failed, falling back to backup restore", zap.Error(downErr))
		if restoreErr := s.restore(ctx, backupPath); restoreErr != nil {
			return multierr.Append(downErr, restoreErr)
		}
		return nil
	default:
		return errors.Errorf("unknown rollback strategy %d", s.strategy)
	}
}

// runDown undoes attempted scripts in reverse order of attempt. A script
// without down() is a hard error: rollback cannot silently skip.
func (s *rollbackService) runDown(ctx context.Context, executed []*MigrationScript) error {
	for i := len(executed) - 1; i >= 0; i-- {
		script := executed[i]
		if !script.HasDown() {
			return MissingDownError{Name: script.Name}
		}
		s.logger.Info("rolling back migration", zap.String("name", script.Name))
		if err := script.Down(ctx, s.db); err != nil {
			return errors.Wrapf(err, "down() of migration %s failed", script.Name)
		}
	}
	return nil
}

func (s *rollbackService) restore(ctx context.Context, backupPath string) error {
	if s.backup == nil {
		return errors.New("backup restore requested but no backup service configured")
	}
	if backupPath == "" {
		return errors.New("backup restore requested but no backup was created for this run")
	}
	s.logger.Info("restoring database from backup", zap.String("path", backupPath))
	if err := s.backup.Restore(ctx, backupPath); err != nil {
		return errors.WithMessage(err, "backup restore failed")
	}
	return nil
}

// RollbackToVersion undoes every migrated script above target in
// reverse-chronological order and removes each tracking record immediately
// after its down() succeeds, so a mid-rollback failure leaves the tracking
// store consistent with what was actually undone. Every candidate must
// expose down() before anything runs; partial rollbacks are refused up
// front. Failures propagate to the caller, never retried.
func (m *Migrator) RollbackToVersion(ctx context.Context, target int64) (err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	defer func() {
		if err != nil {
			m.logger.Error("rollback to version failed",
				zap.Int64("target", target), zap.Error(err))
			m.fireError(err)
		}
	}()

	if err = m.db.CheckConnection(ctx); err != nil {
		return errors.WithMessage(err, "database connection check failed")
	}

	executorID := NewExecutorID()
	if m.lock != nil {
		if err = m.lock.Acquire(ctx, executorID); err != nil {
			return err
		}
		defer m.lock.Release(ctx, executorID)
	}

	if err = m.store.Init(ctx, m.tableName); err != nil {
		return errors.WithMessage(err, "tracking store init failed")
	}

	set, err := m.loadScriptSet(ctx)
	if err != nil {
		return err
	}

	candidates := GetMigratedDownTo(set.Migrated, target)
	if len(candidates) == 0 {
		m.logger.Info("nothing to roll back", zap.Int64("target", target))
		return nil
	}

	for _, script := range candidates {
		if !script.HasDown() {
			return MissingDownError{Name: script.Name}
		}
	}

	for _, script := range candidates {
		m.logger.Info("rolling back migration",
			zap.String("name", script.Name), zap.Int64("timestamp", script.Timestamp))
		if err = script.Down(ctx, m.db); err != nil {
			return errors.Wrapf(err, "down() of migration %s failed", script.Name)
		}
		if err = m.store.Remove(ctx, script.Timestamp); err != nil {
			return errors.Wrapf(err, "removing tracking record for %s failed", script.Name)
		}
	}

	m.logger.Info("rollback complete",
		zap.Int64("target", target), zap.Int("rolledBack", len(candidates)))
	return nil
}
