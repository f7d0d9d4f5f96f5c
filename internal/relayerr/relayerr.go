// Package relayerr defines the error taxonomy shared by the spool, the
// client connection cache, and the delivery loop, per the error
// handling design: IoError, Locked, DiskDivergence, NameCollision,
// SpoolBusy, ClientError (further classified permanent/temporary),
// GaveUpWaiting, and CacheClosed.
package relayerr

import (
	"errors"
	"fmt"
)

// Sentinel errors, usable with errors.Is.
var (
	// ErrLocked means an entry's exclusive lock was contested and
	// give_up elapsed before it was acquired. Callers should skip the
	// entry and retry on the next tick.
	ErrLocked = errors.New("entry locked by another operation")

	// ErrDiskDivergence means the on-disk record differed from the
	// in-memory copy when the lock was acquired. The on-disk record is
	// left unchanged.
	ErrDiskDivergence = errors.New("on-disk record diverged from in-memory copy")

	// ErrNameCollision means reserving a fresh unique name failed
	// repeatedly. Fatal to the enqueue call.
	ErrNameCollision = errors.New("could not reserve a unique name")

	// ErrSpoolBusy means another process holds the spool's lock file.
	ErrSpoolBusy = errors.New("spool is held by another process")

	// ErrGaveUpWaiting means give_up elapsed before a connection became
	// available. Treated as a temporary failure.
	ErrGaveUpWaiting = errors.New("gave up waiting for a connection")

	// ErrCacheClosed means the connection cache is shutting down.
	// Treated as a temporary failure.
	ErrCacheClosed = errors.New("connection cache is closed")

	// ErrCrossDevice means a spool rename would cross filesystems; the
	// spool forbids cross-device roots entirely (spec §4.1, §9).
	ErrCrossDevice = errors.New("spool queues are not on the same filesystem")
)

// IoError wraps a filesystem or network failure. Retryable by higher
// layers unless Fatal is set (e.g. repeated EROFS/ENOSPC).
type IoError struct {
	Op    string
	Err   error
	Fatal bool
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io error during %s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// NewIoError wraps err as a (non-fatal) IoError performing op. Returns
// nil if err is nil.
func NewIoError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &IoError{Op: op, Err: err}
}

// ClientError is an SMTP-level failure, classified permanent or
// temporary by the reply code (5xx vs 4xx).
type ClientError struct {
	Err       error
	Permanent bool
}

func (e *ClientError) Error() string { return e.Err.Error() }
func (e *ClientError) Unwrap() error { return e.Err }

// NewClientError wraps err with its permanence classification.
func NewClientError(err error, permanent bool) error {
	if err == nil {
		return nil
	}
	return &ClientError{Err: err, Permanent: permanent}
}

// IsPermanent reports whether err represents a permanent SMTP-level
// failure. Non-ClientError errors are treated as temporary, except for
// the sentinels that are always temporary (GaveUpWaiting, CacheClosed).
func IsPermanent(err error) bool {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Permanent
	}
	return false
}
