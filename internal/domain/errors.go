package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidStage       = errors.New("invalid stage")
	ErrInvalidDepartment  = errors.New("invalid department")
	ErrIllegalTransition  = errors.New("illegal stage transition")
	ErrRequestTerminal    = errors.New("request is in a terminal stage")
	ErrLockContention     = errors.New("request is already being processed")
	ErrLockNotHeld        = errors.New("lock is not held by this agent")
	ErrConsistency        = errors.New("balance consistency violation")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidTransferTag = errors.New("invalid transfer type")
)

// ContentionError reports a failed lock acquisition. It is never retryable by
// the service itself; the operator must re-query the queue.
type ContentionError struct {
	Key        LockKey
	Holder     string
	AcquiredAt *time.Time
}

func (e *ContentionError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("%s %s is already being processed by %s", e.Key.Kind, e.Key.RequestID, e.Key.Department)
	}
	return fmt.Sprintf("%s %s is already being processed by %s (%s)", e.Key.Kind, e.Key.RequestID, e.Holder, e.Key.Department)
}

func (e *ContentionError) Unwrap() error { return ErrLockContention }

// ConsistencyError halts an operation that would persist an impossible balance.
type ConsistencyError struct {
	Field  string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation on %s: %s", e.Field, e.Detail)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }
