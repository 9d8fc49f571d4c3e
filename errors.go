package wallace

import (
	"fmt"
	"strings"
)

// DuplicateTimestampError is used to report when the script set has
// duplicated timestamps
type DuplicateTimestampError struct {
	Timestamp int64
}

func (d DuplicateTimestampError) Error() string {
	return fmt.Sprintf("multiple migrations have the timestamp %d", d.Timestamp)
}

// IllegalTimestampError is used to report when a script has an illegal
// timestamp
type IllegalTimestampError struct {
	Timestamp int64
}

func (i IllegalTimestampError) Error() string {
	return fmt.Sprintf("illegal migration timestamp %d", i.Timestamp)
}

// RemovedMigrationsError is used to report when executed migrations are
// missing from the filesystem
type RemovedMigrationsError struct {
	Timestamps []int64
}

func (r RemovedMigrationsError) Error() string {
	var parts []string
	for _, ts := range r.Timestamps {
		parts = append(parts, fmt.Sprintf("%d", ts))
	}
	return fmt.Sprintf("migrations %s were removed after execution", strings.Join(parts, ", "))
}

// InvalidChecksumError is used to report when an executed migration file was
// modified afterwards
type InvalidChecksumError struct {
	Timestamp int64
}

func (i InvalidChecksumError) Error() string {
	return fmt.Sprintf("invalid checksum for migration %d", i.Timestamp)
}

// MissingDownError is used to report a rollback candidate without a down()
type MissingDownError struct {
	Name string
}

func (m MissingDownError) Error() string {
	return fmt.Sprintf("migration %s has no down() and cannot be rolled back", m.Name)
}

// LockAcquisitionError is returned when the executor lock could not be
// obtained or its ownership could not be verified after acquisition.
type LockAcquisitionError struct {
	ExecutorID string
	Attempts   int
	Cause      error
}

func (l LockAcquisitionError) Error() string {
	msg := fmt.Sprintf("could not acquire migration lock as %s after %d attempt(s)", l.ExecutorID, l.Attempts)
	if l.Cause != nil {
		msg += ": " + l.Cause.Error()
	}
	return msg
}

func (l LockAcquisitionError) Unwrap() error {
	return l.Cause
}

// HybridBatchError is returned when a pending batch mixes self-contained and
// managed scripts under a managed transaction mode. Self-contained scripts
// own their transaction boundaries and would conflict with the wrapping
// transaction.
type HybridBatchError struct {
	SelfContained int
	Managed       int
}

func (h HybridBatchError) Error() string {
	return fmt.Sprintf(
		"pending batch mixes %d self-contained and %d managed script(s); use transaction mode NONE or split the batch",
		h.SelfContained, h.Managed)
}

// ValidationError aggregates blocking validation issues.
type ValidationError struct {
	Issues []Issue
}

func (v ValidationError) Error() string {
	var parts []string
	for _, issue := range v.Issues {
		parts = append(parts, issue.String())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(parts, "; "))
}
