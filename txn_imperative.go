package wallace

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// imperativeManager drives a SQL-style handle with explicit
// begin/commit/rollback. Commit is retried on transient failures; rollback
// never is, since a failed rollback can leave the database inconsistent and
// needs a human.
type imperativeManager struct {
	db        TransactionCapable
	isolation IsolationCapable
	cfg       TransactionConfig
	logger    *zap.Logger

	requested IsolationLevel
}

func newImperativeManager(db TransactionCapable, isolation IsolationCapable, cfg TransactionConfig, logger *zap.Logger) *imperativeManager {
	return &imperativeManager{
		db:        db,
		isolation: isolation,
		cfg:       cfg.normalized(),
		requested: cfg.Isolation,
		logger:    logger,
	}
}

func (m *imperativeManager) Begin(ctx context.Context) error {
	if m.requested != "" {
		if m.isolation == nil {
			m.logger.Warn("isolation level requested but not supported by the database handle",
				zap.String("isolation", string(m.requested)))
		} else if err := m.isolation.SetIsolationLevel(ctx, m.requested); err != nil {
			return errors.WithMessage(err, "set isolation level")
		}
	}
	if err := m.db.BeginTransaction(ctx); err != nil {
		return errors.WithMessage(err, "begin transaction")
	}
	return nil
}

func (m *imperativeManager) Run(ctx context.Context, op func(ctx context.Context) error) error {
	return op(ctx)
}

func (m *imperativeManager) Commit(ctx context.Context) error {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	for attempt := 1; ; attempt++ {
		err := m.db.Commit(ctx)
		if err == nil {
			return nil
		}
		if !IsRetriable(err) {
			return err
		}
		if attempt >= m.cfg.Retries {
			return errors.Wrapf(err, "commit failed after %d attempt(s)", attempt)
		}

		delay := retryDelayFor(m.cfg, attempt)
		m.logger.Debug("retriable commit failure",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := sleepContext(ctx, delay); serr != nil {
			return errors.WithMessage(err, "commit retry interrupted")
		}
	}
}

func (m *imperativeManager) Rollback(ctx context.Context) error {
	if err := m.db.Rollback(ctx); err != nil {
		m.logger.Error("rollback failed, database may be inconsistent", zap.Error(err))
		return err
	}
	return nil
}

func (m *imperativeManager) SetIsolationLevel(ctx context.Context, level IsolationLevel) error {
	m.requested = level
	if m.isolation == nil {
		m.logger.Warn("isolation level requested but not supported by the database handle",
			zap.String("isolation", string(level)))
		return nil
	}
	return m.isolation.SetIsolationLevel(ctx, level)
}
