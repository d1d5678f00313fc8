package tokenvault

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Use errors.Is to test for them; every error returned by the
// exported API that falls into one of these categories wraps the matching sentinel.
var (
	ErrKeyNotFound                 = errors.New("key not found")
	ErrKeyDerivationFailure        = errors.New("key derivation failed")
	ErrTokenNotFound               = errors.New("token not found")
	ErrIntegrityVerificationFailed = errors.New("integrity verification failed")
	ErrStructureValidationFailed   = errors.New("structure validation failed")
	ErrBindingMismatch             = errors.New("binding mismatch")
	ErrRotationFailed              = errors.New("rotation failed")
	ErrBackupFailed                = errors.New("backup failed")
	ErrNotInitialized              = errors.New("orchestrator not initialized")
	ErrNotReady                    = errors.New("key material not loaded")
	ErrTokenInvalid                = errors.New("token is not valid")
	ErrActiveKeyExists             = errors.New("an active key already exists")
)

// Error carries the kind of failure together with the operation and the id
// it concerned. Warnings hold the validation findings when Kind is a token
// validation failure.
type Error struct {
	Kind     error
	Op       string
	ID       string
	Warnings []string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.ID != "" {
		b.WriteString(" ")
		b.WriteString(e.ID)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if len(e.Warnings) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Warnings, "; "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// ReencryptError lists every record that could not be moved to the new key.
// Err aggregates the individual failures.
type ReencryptError struct {
	FailedTokenIDs []string
	Err            error
}

func (e *ReencryptError) Error() string {
	return fmt.Sprintf("re-encryption aborted, %d record(s) failed [%s]: %v",
		len(e.FailedTokenIDs), strings.Join(e.FailedTokenIDs, ", "), e.Err)
}

func (e *ReencryptError) Unwrap() []error {
	return []error{ErrRotationFailed, e.Err}
}
