package userbot

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAccountUnavailable means no live session can be produced for the key
	// (unknown, inactive, failed or slow to construct).
	ErrAccountUnavailable = errors.New("account unavailable")

	// ErrJoinPending means the join request awaits admin approval.
	ErrJoinPending = errors.New("join request pending approval")

	ErrNotConnected  = errors.New("session not connected")
	ErrRateLimited   = errors.New("rate limited")
	ErrInviteExpired = errors.New("invite link expired or invalid")
	ErrForbidden     = errors.New("access forbidden")
	ErrPeerNotFound  = errors.New("peer not found")
	ErrClosed        = errors.New("session worker stopped")

	errRegistryClosed = errors.New("registry closed")
)

// FloodWaitError carries the wait advertised by the network's flood control.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Wait)
}

func (e *FloodWaitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter lets retry policies honor the advertised wait.
func (e *FloodWaitError) RetryAfter() time.Duration { return e.Wait }
