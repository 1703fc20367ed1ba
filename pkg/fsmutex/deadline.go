package fsmutex

import (
	"math"
	"time"
)

type deadlineKind uint8

const (
	deadlineInfinite deadlineKind = iota
	deadlineAt
	deadlineImmediate
)

// Deadline bounds how long a lock attempt may wait.
//
// The zero value waits forever. [Immediately] never waits: the attempt
// succeeds only if every entity is free right now.
type Deadline struct {
	at   time.Time
	kind deadlineKind
}

// Infinite returns a deadline that never expires.
func Infinite() Deadline {
	return Deadline{}
}

// Immediately returns a deadline that has already expired, for non-blocking
// attempts.
func Immediately() Deadline {
	return Deadline{kind: deadlineImmediate}
}

// DeadlineAt returns a deadline expiring at t.
func DeadlineAt(t time.Time) Deadline {
	return Deadline{at: t, kind: deadlineAt}
}

// DeadlineAfter returns a deadline expiring d from now. A non-positive d is
// the same as [Immediately].
func DeadlineAfter(d time.Duration) Deadline {
	if d <= 0 {
		return Immediately()
	}

	return DeadlineAt(time.Now().Add(d))
}

// IsInfinite reports whether the deadline never expires.
func (d Deadline) IsInfinite() bool {
	return d.kind == deadlineInfinite
}

// Expired reports whether no more waiting is allowed.
func (d Deadline) Expired() bool {
	switch d.kind {
	case deadlineInfinite:
		return false
	case deadlineImmediate:
		return true
	default:
		return !time.Now().Before(d.at)
	}
}

// Remaining returns how long is left, zero once expired, and the maximum
// duration for an infinite deadline.
func (d Deadline) Remaining() time.Duration {
	switch d.kind {
	case deadlineInfinite:
		return math.MaxInt64
	case deadlineImmediate:
		return 0
	default:
		return max(time.Until(d.at), 0)
	}
}

func (d Deadline) String() string {
	switch d.kind {
	case deadlineInfinite:
		return "infinite"
	case deadlineImmediate:
		return "immediate"
	default:
		return d.at.Format(time.RFC3339Nano)
	}
}
