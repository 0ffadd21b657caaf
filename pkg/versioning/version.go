// Package versioning gates persisted dataset records on their schema version.
// Versions follow SemVer 2.0.0 (https://semver.org): readers accept any record
// whose major version they understand and reject the rest loudly.
package versioning

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
)

// Record names.
const (
	RecordManifest = "manifest"
	RecordAdmin    = "admin"
)

// RecordSchema describes the version a record is written in and the range of
// versions this build can read.
type RecordSchema struct {
	Name      string
	Current   *semver.Version
	Supported *semver.Constraints
}

var schemas = map[string]RecordSchema{
	RecordManifest: mustSchema(RecordManifest, "1.0.0", "^1"),
	RecordAdmin:    mustSchema(RecordAdmin, "1.0.0", "^1"),
}

func mustSchema(name, current, supported string) RecordSchema {
	c, err := semver.StrictNewVersion(current)
	if err != nil {
		panic(fmt.Sprintf("versioning: bad current version for %s: %v", name, err))
	}
	s, err := semver.NewConstraint(supported)
	if err != nil {
		panic(fmt.Sprintf("versioning: bad constraint for %s: %v", name, err))
	}
	return RecordSchema{Name: name, Current: c, Supported: s}
}

// Current returns the schema version new records of kind are written in.
func Current(record string) string {
	s, ok := schemas[record]
	if !ok {
		return ""
	}
	return s.Current.String()
}

// Check reports whether a record of kind written at version can be read.
// A malformed version is ErrValue; a well-formed one outside the supported
// range is ErrType.
func Check(record, version string) error {
	s, ok := schemas[record]
	if !ok {
		return errorir.Errorf(errorir.ErrValue, "unknown record kind %q", record)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return errorir.Errorf(errorir.ErrValue, "%s schema_version %q: %v", record, version, err)
	}
	if ok, errs := s.Supported.Validate(v); !ok {
		return errorir.Errorf(errorir.ErrType, "%s schema_version %s is not supported (want %s): %v",
			record, v, s.Supported, errs)
	}
	return nil
}
