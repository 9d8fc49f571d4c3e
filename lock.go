package wallace

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewExecutorID generates the identity one executor process uses for the
// distributed lock. Generated once per workflow invocation and threaded
// explicitly through every lock call.
func NewExecutorID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString())
}

// lockOrchestrator runs the two-phase acquire/verify protocol over the
// adapter's locking capability. The lock is database-backed, never an
// in-memory mutex, because competing executors may be separate processes on
// separate machines.
type lockOrchestrator struct {
	capability LockingCapable
	cfg        LockingConfig
	logger     *zap.Logger
}

func newLockOrchestrator(capability LockingCapable, cfg LockingConfig, logger *zap.Logger) *lockOrchestrator {
	return &lockOrchestrator{
		capability: capability,
		cfg:        cfg.normalized(),
		logger:     logger,
	}
}

// Acquire attempts to take the executor lock. Each attempt removes expired
// locks (best-effort), inserts the lock row, then re-reads it to verify
// ownership. Verification is mandatory: two processes can both believe they
// won a non-atomic insert, and an unverified lock must not be trusted.
func (l *lockOrchestrator) Acquire(ctx context.Context, executorID string) error {
	attempts := l.cfg.RetryAttempts + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, l.cfg.RetryDelay); err != nil {
				return err
			}
		}

		if err := l.capability.CheckAndReleaseExpiredLock(ctx); err != nil {
			l.logger.Warn("expired-lock cleanup failed", zap.Error(err))
		}

		acquired, err := l.capability.AcquireLock(ctx, executorID)
		if err != nil {
			lastErr = err
			l.logger.Warn("lock acquisition attempt failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !acquired {
			l.logger.Info("migration lock held by another executor",
				zap.Int("attempt", attempt))
			continue
		}

		owned, err := l.capability.VerifyLockOwnership(ctx, executorID)
		if err != nil {
			lastErr = err
			continue
		}
		if !owned {
			l.logger.Warn("lock ownership verification failed, not trusting acquisition",
				zap.String("executor", executorID))
			continue
		}

		l.logger.Info("migration lock acquired", zap.String("executor", executorID))
		return nil
	}

	return LockAcquisitionError{ExecutorID: executorID, Attempts: attempts, Cause: lastErr}
}

// Release gives the lock back if still owned. Failures are logged, not
// returned: release runs from a defer and losing ownership at this point only
// means the expiry already made the lock available.
func (l *lockOrchestrator) Release(ctx context.Context, executorID string) {
	if err := l.capability.ReleaseLock(ctx, executorID); err != nil {
		l.logger.Warn("lock release failed, ownership may have been lost",
			zap.String("executor", executorID), zap.Error(err))
	}
}

// ForceRelease unconditionally removes the lock. Operator recovery for
// stale locks left by crashed executors.
func (l *lockOrchestrator) ForceRelease(ctx context.Context) error {
	return l.capability.ForceReleaseLock(ctx)
}

// Status returns the current lock holder, or an unlocked status when no lock
// row exists.
func (l *lockOrchestrator) Status(ctx context.Context) (*LockStatus, error) {
	status, err := l.capability.GetLockStatus(ctx)
	if err != nil {
		return nil, err
	}
	if status == nil {
		return &LockStatus{}, nil
	}
	return status, nil
}
