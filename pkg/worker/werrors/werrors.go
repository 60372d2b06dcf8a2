// Package werrors defines the worker's error taxonomy: transient
// conditions the lease loop retries past, fatal conditions that stop the
// worker, and deferred errors carried forward to the next work item.
package werrors

import "errors"

// ErrNoWorkAvailable signals a 404 from the coordinator's lease endpoint:
// no work is currently available, not a failure.
var ErrNoWorkAvailable = errors.New("coordinator: no work available")

// Transient wraps an error the lease loop should retry past rather than
// treat as fatal (network blips, 5xx from the coordinator).
type Transient struct {
	Err error
}

func (t *Transient) Error() string { return "transient: " + t.Err.Error() }
func (t *Transient) Unwrap() error { return t.Err }

// Fatal wraps an error that should stop the worker process outright
// (malformed startup configuration, an SDK/environment mismatch).
type Fatal struct {
	Err error
}

func (f *Fatal) Error() string { return "fatal: " + f.Err.Error() }
func (f *Fatal) Unwrap() error { return f.Err }

// Deferred wraps a startup error that could not be reported because no
// work item had yet been leased. It is attached to the completion report
// of the next leased work item, then discarded.
type Deferred struct {
	Err error
}

func (d *Deferred) Error() string { return "deferred: " + d.Err.Error() }
func (d *Deferred) Unwrap() error { return d.Err }

// IsTransient reports whether err (or something it wraps) is Transient.
func IsTransient(err error) bool {
	var t *Transient
	return errors.As(err, &t)
}

// IsFatal reports whether err (or something it wraps) is Fatal.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}
