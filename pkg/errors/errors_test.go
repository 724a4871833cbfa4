package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(ErrNotFound, "package not found")
	assert.Equal(t, ErrNotFound, err.Code)
	assert.Equal(t, "[NOT_FOUND] package not found", err.Error())
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("disk full")
	err := Wrap(inner, ErrStoreIO, "failed to commit")
	require.NotNil(t, err)
	assert.Equal(t, "[STORE_IO] failed to commit: disk full", err.Error())
	assert.Equal(t, inner, errors.Unwrap(err))

	assert.Nil(t, Wrap(nil, ErrStoreIO, "ignored"))
}

func TestIsErrorCode(t *testing.T) {
	err := Newf(ErrLinkConflict, "path %s exists", "/home/user/.vimrc")
	assert.True(t, IsErrorCode(err, ErrLinkConflict))
	assert.False(t, IsErrorCode(err, ErrNotFound))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, IsErrorCode(wrapped, ErrLinkConflict))

	assert.False(t, IsErrorCode(errors.New("plain"), ErrLinkConflict))
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrIntegrity, GetErrorCode(New(ErrIntegrity, "checksum mismatch")))
	assert.Equal(t, ErrUnknown, GetErrorCode(errors.New("plain")))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrDependentsExist, "cannot remove").
		WithDetail("dependents", []string{"app-q"})

	details := GetErrorDetails(err)
	require.NotNil(t, details)
	assert.Equal(t, []string{"app-q"}, details["dependents"])
}

func TestErrorsIs(t *testing.T) {
	err := New(ErrCyclicDependency, "a -> b -> a")
	assert.True(t, errors.Is(err, New(ErrCyclicDependency, "other message")))
	assert.False(t, errors.Is(err, New(ErrNotFound, "a -> b -> a")))
}
