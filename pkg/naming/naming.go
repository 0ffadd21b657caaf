// Package naming holds the name-safety rule shared by dataset names and tags,
// and the normalization applied to item relpaths before they are hashed.
package naming

import (
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
)

// MaxNameLength bounds dataset names and tags.
const MaxNameLength = 80

var validName = regexp.MustCompile(`^[0-9A-Za-z_.\-]+$`)

// IsValid reports whether name is non-empty, at most MaxNameLength long and
// made only of ASCII letters, digits, '-', '_' and '.'. Names made only of
// dots are rejected: they address the current or a parent directory.
func IsValid(name string) bool {
	if len(name) == 0 || len(name) > MaxNameLength {
		return false
	}
	if strings.Trim(name, ".") == "" {
		return false
	}
	return validName.MatchString(name)
}

// Validate returns an ErrInvalidName error when name breaks the rule.
func Validate(kind, name string) error {
	if !IsValid(name) {
		return errorir.Errorf(errorir.ErrInvalidName,
			"%s %q: allowed characters are 0-9 a-z A-Z - _ . (max %d)", kind, name, MaxNameLength)
	}
	return nil
}

// NormalizeRelpath returns the platform independent form of an item relpath:
// forward slashes, NFC unicode, no "." or empty segments.
func NormalizeRelpath(relpath string) string {
	p := strings.ReplaceAll(relpath, `\`, "/")
	p = norm.NFC.String(p)
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// ValidateRelpath rejects relpaths that are empty, absolute or escape the
// dataset root. It returns the normalized relpath.
func ValidateRelpath(relpath string) (string, error) {
	if relpath == "" {
		return "", errorir.Errorf(errorir.ErrValue, "empty relpath")
	}
	if strings.HasPrefix(relpath, "/") || strings.HasPrefix(relpath, `\`) {
		return "", errorir.Errorf(errorir.ErrValue, "relpath %q must be relative", relpath)
	}
	p := NormalizeRelpath(relpath)
	if p == "" || p == ".." || strings.HasPrefix(p, "../") {
		return "", errorir.Errorf(errorir.ErrValue, "relpath %q escapes the dataset", relpath)
	}
	return p, nil
}
