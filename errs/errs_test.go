package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "blobstore.get", errors.New("no such key"))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindConflict, "manifest.flip", nil)
	wrapped := fmt.Errorf("build cycle: %w", inner)

	require.True(t, IsConflict(wrapped))
	assert.Equal(t, KindConflict, KindOf(wrapped))
}

func TestIsMatchesByKind(t *testing.T) {
	a := New(KindTransient, "blobstore.put", errors.New("503"))
	b := New(KindTransient, "elsewhere", nil)

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(KindValidation, "", nil)))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransient, "op", nil)))
	assert.False(t, Retryable(New(KindNotFound, "op", nil)))
	assert.False(t, Retryable(New(KindConflict, "op", nil)))
	assert.False(t, Retryable(errors.New("plain")))
}
