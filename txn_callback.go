package wallace

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// callbackManager drives a provider-managed transaction capability. Between
// Begin and Commit operations are only buffered; Commit replays the whole
// buffer inside one provider transaction and retries the entire batch on
// transient failures. Rollback discards the buffer without touching the
// provider.
type callbackManager struct {
	db     CallbackTransactionCapable
	cfg    TransactionConfig
	logger *zap.Logger

	open   bool
	buffer []func(ctx context.Context) error
}

func newCallbackManager(db CallbackTransactionCapable, cfg TransactionConfig, logger *zap.Logger) *callbackManager {
	return &callbackManager{
		db:     db,
		cfg:    cfg.normalized(),
		logger: logger,
	}
}

func (m *callbackManager) Begin(ctx context.Context) error {
	if m.open {
		return errors.New("transaction already open")
	}
	m.open = true
	m.buffer = nil
	return nil
}

func (m *callbackManager) Run(ctx context.Context, op func(ctx context.Context) error) error {
	if !m.open {
		return errors.New("no open transaction to buffer operation into")
	}
	m.buffer = append(m.buffer, op)
	return nil
}

func (m *callbackManager) Commit(ctx context.Context) error {
	if !m.open {
		return errors.New("no open transaction to commit")
	}
	// The buffer is cleared only after final success or final failure.
	defer func() {
		m.open = false
		m.buffer = nil
	}()

	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	batch := m.buffer
	run := func(txCtx context.Context) error {
		for _, op := range batch {
			if err := op(txCtx); err != nil {
				return err
			}
		}
		return nil
	}

	for attempt := 1; ; attempt++ {
		err := m.db.RunTransaction(ctx, run)
		if err == nil {
			return nil
		}
		if !IsRetriable(err) {
			return err
		}
		if attempt >= m.cfg.Retries {
			return errors.Wrapf(err, "transaction batch failed after %d attempt(s)", attempt)
		}

		delay := retryDelayFor(m.cfg, attempt)
		m.logger.Debug("retriable transaction batch failure",
			zap.Int("attempt", attempt),
			zap.Int("buffered", len(batch)),
			zap.Duration("delay", delay),
			zap.Error(err))
		if serr := sleepContext(ctx, delay); serr != nil {
			return errors.WithMessage(err, "transaction retry interrupted")
		}
	}
}

func (m *callbackManager) Rollback(ctx context.Context) error {
	m.open = false
	m.buffer = nil
	return nil
}

func (m *callbackManager) SetIsolationLevel(ctx context.Context, level IsolationLevel) error {
	m.logger.Warn("isolation levels are not supported by callback transactions, ignoring",
		zap.String("isolation", string(level)))
	return nil
}
