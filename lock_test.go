package wallace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLockCapability struct {
	mu           sync.Mutex
	lockedBy     string
	lockedAt     time.Time
	expiresAt    time.Time
	timeout      time.Duration
	failAcquires int
	verifyAs     string // reported holder, overrides lockedBy when set
}

func newFakeLockCapability() *fakeLockCapability {
	return &fakeLockCapability{timeout: time.Minute}
}

func (f *fakeLockCapability) AcquireLock(ctx context.Context, executorID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAcquires > 0 {
		f.failAcquires--
		return false, errors.New("lock backend unavailable")
	}
	if f.lockedBy != "" {
		return false, nil
	}
	f.lockedBy = executorID
	f.lockedAt = time.Now()
	f.expiresAt = f.lockedAt.Add(f.timeout)
	return true, nil
}

func (f *fakeLockCapability) VerifyLockOwnership(ctx context.Context, executorID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	holder := f.lockedBy
	if f.verifyAs != "" {
		holder = f.verifyAs
	}
	return holder == executorID, nil
}

func (f *fakeLockCapability) ReleaseLock(ctx context.Context, executorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockedBy != executorID {
		return errors.Errorf("lock no longer owned by %s", executorID)
	}
	f.lockedBy = ""
	return nil
}

func (f *fakeLockCapability) ForceReleaseLock(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockedBy = ""
	return nil
}

func (f *fakeLockCapability) GetLockStatus(ctx context.Context) (*LockStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockedBy == "" {
		return nil, nil
	}
	return &LockStatus{
		IsLocked:  true,
		LockedBy:  f.lockedBy,
		LockedAt:  f.lockedAt,
		ExpiresAt: f.expiresAt,
	}, nil
}

func (f *fakeLockCapability) CheckAndReleaseExpiredLock(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockedBy != "" && time.Now().After(f.expiresAt) {
		f.lockedBy = ""
	}
	return nil
}

func failFastLockConfig() LockingConfig {
	return LockingConfig{
		Enabled:    true,
		Timeout:    time.Minute,
		TableName:  "migration_lock",
		RetryDelay: time.Millisecond,
	}
}

func TestSecondExecutorFailsWhileLockHeld(t *testing.T) {
	capability := newFakeLockCapability()
	a := newLockOrchestrator(capability, failFastLockConfig(), zap.NewNop())
	b := newLockOrchestrator(capability, failFastLockConfig(), zap.NewNop())

	require.NoError(t, a.Acquire(context.Background(), "executor-a"))

	err := b.Acquire(context.Background(), "executor-b")

	var lockErr LockAcquisitionError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, "executor-b", lockErr.ExecutorID)
	assert.Equal(t, 1, lockErr.Attempts)
}

func TestVerificationFailureIsNotTrusted(t *testing.T) {
	capability := newFakeLockCapability()
	capability.verifyAs = "somebody-else"
	l := newLockOrchestrator(capability, failFastLockConfig(), zap.NewNop())

	err := l.Acquire(context.Background(), "executor-a")

	var lockErr LockAcquisitionError
	assert.ErrorAs(t, err, &lockErr)
}

func TestExpiredLockIsCleanedUpBeforeAcquisition(t *testing.T) {
	capability := newFakeLockCapability()
	capability.lockedBy = "crashed-executor"
	capability.expiresAt = time.Now().Add(-time.Minute)
	l := newLockOrchestrator(capability, failFastLockConfig(), zap.NewNop())

	err := l.Acquire(context.Background(), "executor-a")

	assert.NoError(t, err)
	assert.Equal(t, "executor-a", capability.lockedBy)
}

func TestAcquisitionRetries(t *testing.T) {
	capability := newFakeLockCapability()
	capability.failAcquires = 2
	cfg := failFastLockConfig()
	cfg.RetryAttempts = 2
	l := newLockOrchestrator(capability, cfg, zap.NewNop())

	assert.NoError(t, l.Acquire(context.Background(), "executor-a"))
}

func TestAcquisitionFailFastByDefault(t *testing.T) {
	capability := newFakeLockCapability()
	capability.failAcquires = 1
	l := newLockOrchestrator(capability, failFastLockConfig(), zap.NewNop())

	assert.Error(t, l.Acquire(context.Background(), "executor-a"))
}

func TestReleaseAfterOwnershipLossOnlyLogs(t *testing.T) {
	capability := newFakeLockCapability()
	capability.lockedBy = "somebody-else"
	l := newLockOrchestrator(capability, failFastLockConfig(), zap.NewNop())

	assert.NotPanics(t, func() {
		l.Release(context.Background(), "executor-a")
	})
	assert.Equal(t, "somebody-else", capability.lockedBy)
}

func TestForceReleaseIgnoresOwnership(t *testing.T) {
	capability := newFakeLockCapability()
	capability.lockedBy = "somebody-else"
	l := newLockOrchestrator(capability, failFastLockConfig(), zap.NewNop())

	require.NoError(t, l.ForceRelease(context.Background()))
	assert.Empty(t, capability.lockedBy)
}

func TestStatusOfUnlocked(t *testing.T) {
	l := newLockOrchestrator(newFakeLockCapability(), failFastLockConfig(), zap.NewNop())

	status, err := l.Status(context.Background())

	require.NoError(t, err)
	assert.False(t, status.IsLocked)
}

func TestNewExecutorIDIsUnique(t *testing.T) {
	a := NewExecutorID()
	b := NewExecutorID()

	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "-")
}
