// Package retry implements the deadline-bounded retry primitive used
// at every waiting point in the bring-up orchestrator (spec §4.1).
package retry

import (
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
)

var plog = capnslog.NewPackageLogger("github.com/jakajancar/fleeting", "retry")

// permanentError marks a failure that should never be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that Do returns immediately instead of
// retrying. Use this for errors like "bootstrap token mismatch" that
// can never succeed on a later attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or something it wraps) was marked
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// unwrapPermanent returns the error a Permanent wrapper carries, or
// err itself if it was never wrapped.
func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

// temporaryError marks a failure that is explicitly expected to clear
// up on its own, as opposed to one that merely wasn't marked Permanent.
type temporaryError struct {
	err error
}

func (t *temporaryError) Error() string { return t.err.Error() }
func (t *temporaryError) Unwrap() error { return t.err }

// Temporary wraps err to document that the caller expects a later
// attempt to succeed, e.g. "ssh auth not available yet, user_data is
// still provisioning". Do treats it exactly like any other non-Permanent
// error; the wrapper exists for readability at the call site and for
// IsTemporary, not to change retry behavior.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return &temporaryError{err: err}
}

// IsTemporary reports whether err (or something it wraps) was marked
// Temporary.
func IsTemporary(err error) bool {
	var t *temporaryError
	return errors.As(err, &t)
}

// Do repeatedly calls attempt until it succeeds, until attempt returns
// a Permanent error, or until deadline has elapsed, sleeping delay
// between attempts. On first success it returns the value. On a
// Permanent error it returns immediately with that error. Otherwise,
// once no further attempt could start before the deadline, it returns
// the last error.
//
// An attempt that is already in flight is never cancelled by the
// deadline elapsing mid-attempt: the deadline only gates whether a
// *new* attempt is started. Total wall time therefore never exceeds
// deadline + one attempt's duration.
func Do[T any](delay, deadline time.Duration, attempt func(n int) (T, error)) (T, error) {
	var zero T
	start := time.Now()
	var lastErr error

	for n := 1; ; n++ {
		val, err := attempt(n)
		if err == nil {
			return val, nil
		}
		if IsPermanent(err) {
			return zero, unwrapPermanent(err)
		}

		lastErr = err
		plog.Debugf("attempt %d failed: %v", n, err)

		if time.Since(start)+delay >= deadline {
			return zero, errors.Wrapf(lastErr, "gave up after %d attempts", n)
		}

		time.Sleep(delay)
	}
}

// DoVoid is Do for attempts with no useful return value.
func DoVoid(delay, deadline time.Duration, attempt func(n int) error) error {
	_, err := Do(delay, deadline, func(n int) (struct{}, error) {
		return struct{}{}, attempt(n)
	})
	return err
}
