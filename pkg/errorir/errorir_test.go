package errorir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemConflictIsStorageError(t *testing.T) {
	var err error = &ItemConflictError{URI: "file:///tmp/ds", Relpath: "a.txt", ExistingHash: "x", IncomingHash: "y"}
	wrapped := fmt.Errorf("copy item: %w", err)

	assert.True(t, errors.Is(wrapped, ErrStorage))
	assert.False(t, errors.Is(wrapped, ErrKey))

	var conflict *ItemConflictError
	require.True(t, errors.As(wrapped, &conflict))
	assert.Equal(t, "a.txt", conflict.Relpath)
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{Errorf(ErrValue, "tag %v", 1), CodeValidationValue},
		{Errorf(ErrInvalidName, "tag %q", "!x"), CodeValidationInvalidName},
		{Errorf(ErrType, "frozen"), CodeLifecycleState},
		{Errorf(ErrKey, "tag"), CodeResourceNotFound},
		{Errorf(ErrDuplicateItem, "a"), CodeManifestDuplicateItem},
		{Errorf(ErrStorage, "disk full"), CodeStorageIO},
		{fmt.Errorf("x: %w", &ItemConflictError{}), CodeStorageItemConflict},
		{errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err))
	}
}

func TestFromError(t *testing.T) {
	ir := FromError(&ItemConflictError{Relpath: "a"}, "file:///d")
	assert.Equal(t, CodeStorageItemConflict, ir.Dataset.ErrorCode)
	assert.Equal(t, ClassificationResumeRequired, ir.Dataset.Classification)
	assert.Equal(t, "file:///d", ir.Instance)
	assert.Equal(t, "Item conflict", ir.Title)

	ir = FromError(Errorf(ErrType, "already frozen"), "")
	assert.Equal(t, ClassificationNonRetryable, ir.Dataset.Classification)
	assert.Contains(t, ir.Detail, "already frozen")
}
