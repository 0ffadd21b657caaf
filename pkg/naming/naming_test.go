package naming

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
)

func TestIsValid(t *testing.T) {
	valid := []string{"amazing", "test_copy", "empty-test-ds", "v1.2", "A", ".hidden", "a..b"}
	for _, n := range valid {
		assert.True(t, IsValid(n), n)
	}

	invalid := []string{"", ".", "..", "...", "!invalid", "has space", "a/b", "naïve", strings.Repeat("x", MaxNameLength+1)}
	for _, n := range invalid {
		assert.False(t, IsValid(n), n)
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate("tag", "testing"))

	for _, bad := range []string{"!invalid", ".", ".."} {
		err := Validate("tag", bad)
		require.Error(t, err, bad)
		assert.True(t, errors.Is(err, errorir.ErrInvalidName), bad)
	}
}

func TestNormalizeRelpath(t *testing.T) {
	tests := map[string]string{
		"a/b.txt":        "a/b.txt",
		`a\b.txt`:        "a/b.txt",
		"./a//b.txt":     "a/b.txt",
		"cafe\u0301.txt": "caf\u00e9.txt",
		"a/./b/../c":     "a/c",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeRelpath(in), in)
	}
}

func TestValidateRelpath(t *testing.T) {
	p, err := ValidateRelpath(`dir\file.txt`)
	require.NoError(t, err)
	assert.Equal(t, "dir/file.txt", p)

	for _, bad := range []string{"", "/etc/passwd", "../x", "a/../../x", "."} {
		_, err := ValidateRelpath(bad)
		assert.True(t, errors.Is(err, errorir.ErrValue), bad)
	}
}
