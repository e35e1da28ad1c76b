package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDriftError(t *testing.T) {
	t.Run("BasicError", func(t *testing.T) {
		err := New(CodeRelayDisabled, "relay disabled", nil)
		assert.Equal(t, CodeRelayDisabled, err.Code)
		assert.Equal(t, "RELAY_DISABLED: relay disabled", err.Error())
		assert.Nil(t, err.Unwrap())
	})

	t.Run("ErrorWithCause", func(t *testing.T) {
		cause := errors.New("underlying error")
		err := New(CodeStorageUnavailable, "store write failed", cause)
		assert.Equal(t, cause, err.Unwrap())
		assert.Contains(t, err.Error(), "caused by: underlying error")
	})

	t.Run("ErrorWithDetails", func(t *testing.T) {
		err := New(CodeConfigInvalid, "bad config", nil)
		err.WithDetails("field", "max_store_bytes").WithDetails("reason", "must be positive")
		assert.Equal(t, "max_store_bytes", err.Details["field"])
		assert.Equal(t, "must be positive", err.Details["reason"])
	})

	t.Run("Is matches wrapped code", func(t *testing.T) {
		inner := New(CodeHintMismatch, "hint mismatch", nil)
		wrapped := fmtWrap(inner)
		assert.True(t, Is(wrapped, CodeHintMismatch))
		assert.False(t, Is(wrapped, CodeDecryptFail))
	})
}

type wrapErr struct {
	err error
}

func (w *wrapErr) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrapErr) Unwrap() error { return w.err }

func fmtWrap(err error) error {
	return &wrapErr{err: err}
}
