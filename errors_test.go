package tokenvault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"
)

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := fmt.Errorf("wrapped: %w", newError(ErrTokenNotFound, "get_token", "tok-1", cause))

	assert.ErrorIs(t, err, ErrTokenNotFound)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrKeyNotFound)

	var vErr *Error
	assert.True(t, errors.As(err, &vErr))
	assert.Equal(t, "tok-1", vErr.ID)
	assert.Contains(t, err.Error(), "get_token tok-1: token not found: disk on fire")
}

func TestErrorWithWarnings(t *testing.T) {
	err := &Error{Kind: ErrTokenInvalid, Op: "get_token", Warnings: []string{"token revoked", "token expired"}}
	assert.Equal(t, "get_token: token is not valid (token revoked; token expired)", err.Error())
}

func TestReencryptErrorIsRotationFailure(t *testing.T) {
	agg := multierr.Combine(errors.New("a"), errors.New("b"))
	err := &ReencryptError{FailedTokenIDs: []string{"t1", "t2"}, Err: agg}

	assert.ErrorIs(t, err, ErrRotationFailed)
	assert.Len(t, multierr.Errors(err.Err), 2)
	assert.Contains(t, err.Error(), "t1, t2")
}
