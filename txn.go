package wallace

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TransactionManager is the common surface of the imperative and callback
// variants. Run executes an operation inside the current transaction scope;
// on the callback variant it only buffers the operation until Commit.
type TransactionManager interface {
	Begin(ctx context.Context) error
	Run(ctx context.Context, op func(ctx context.Context) error) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	SetIsolationLevel(ctx context.Context, level IsolationLevel) error
}

// detectTransactionManager selects the variant matching the capabilities the
// database handle exposes, or nil when it exposes none. Detection happens
// once at construction time; the rest of the engine only sees the optional
// manager.
func detectTransactionManager(db Database, cfg TransactionConfig, logger *zap.Logger) TransactionManager {
	if handle, ok := db.(TransactionCapable); ok {
		iso, _ := db.(IsolationCapable)
		return newImperativeManager(handle, iso, cfg, logger)
	}
	if handle, ok := db.(CallbackTransactionCapable); ok {
		return newCallbackManager(handle, cfg, logger)
	}
	return nil
}

// Transient conditions worth retrying a commit for, matched case-insensitively
// against the error text. Everything else propagates on the first attempt.
var retriableConditions = []string{
	"deadlock",
	"lock timeout",
	"lock wait timeout",
	"serialization",
	"could not serialize",
	"connection lost",
	"connection closed",
	"connection reset",
	"write conflict",
	"transaction conflict",
	"contention",
	"transienttransactionerror",
}

// IsRetriable reports whether an error looks like a transient transaction
// failure.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, cond := range retriableConditions {
		if strings.Contains(msg, cond) {
			return true
		}
	}
	return false
}

// retryDelayFor returns the delay before the next attempt after the given
// one-based attempt number failed.
func retryDelayFor(cfg TransactionConfig, attempt int) time.Duration {
	if !cfg.RetryBackoff {
		return cfg.RetryDelay
	}
	delay := cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
