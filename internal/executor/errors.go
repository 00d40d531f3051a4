package executor

import "errors"

// Stage failures are classified so the engine knows whether retrying can
// help. Unclassified errors are treated as transient: network and backend
// hiccups are the common case.

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Transient marks an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Permanent marks an error as not worth retrying; it immediately exhausts
// the stage's attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// ErrorKind returns the ledger error kind for a stage failure.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	if IsPermanent(err) {
		return "permanent"
	}
	return "transient"
}
