// Package errorir defines the closed error taxonomy shared by every dataset
// package, plus the canonical error record the CLI emits.
//
// Callers branch on kind with errors.Is / errors.As. Message text is for
// humans only.
package errorir

import (
	"errors"
	"fmt"
)

// Error kinds. Every error that crosses a package boundary wraps exactly one
// of these.
var (
	// ErrValue is a malformed input value, e.g. a tag that is not a string.
	ErrValue = errors.New("invalid value")
	// ErrInvalidName is a name or tag that breaks the name-safety rule.
	ErrInvalidName = errors.New("invalid name")
	// ErrType is an operation that is invalid for the current lifecycle state.
	ErrType = errors.New("invalid operation for dataset state")
	// ErrKey is a lookup of something that does not exist.
	ErrKey = errors.New("not found")
	// ErrStorage is a backend I/O failure.
	ErrStorage = errors.New("storage broker error")
	// ErrDuplicateItem is an identifier collision during manifest build.
	ErrDuplicateItem = errors.New("duplicate item identifier")
)

// ItemConflictError reports that a strict put found an item at the same
// relpath with different content. It is a storage error: errors.Is(err,
// ErrStorage) holds.
type ItemConflictError struct {
	URI          string
	Relpath      string
	ExistingHash string
	IncomingHash string
}

func (e *ItemConflictError) Error() string {
	return fmt.Sprintf("item %q already exists in %s with different content (existing %s, incoming %s)",
		e.Relpath, e.URI, e.ExistingHash, e.IncomingHash)
}

// Is makes an item conflict match ErrStorage.
func (e *ItemConflictError) Is(target error) bool {
	return target == ErrStorage
}

// Errorf wraps kind with a formatted message.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// Classification constants
const (
	ClassificationRetryable      = "RETRYABLE"
	ClassificationNonRetryable   = "NON_RETRYABLE"
	ClassificationResumeRequired = "RESUME_REQUIRED"
)

// Standard Error Codes
const (
	CodeValidationValue       = "DATASET/VALIDATION/VALUE"
	CodeValidationInvalidName = "DATASET/VALIDATION/INVALID_NAME"
	CodeLifecycleState        = "DATASET/LIFECYCLE/STATE"
	CodeResourceNotFound      = "DATASET/RESOURCE/NOT_FOUND"
	CodeStorageIO             = "DATASET/STORAGE/IO"
	CodeStorageItemConflict   = "DATASET/STORAGE/ITEM_CONFLICT"
	CodeManifestDuplicateItem = "DATASET/MANIFEST/DUPLICATE_ITEM"
	CodeUnknown               = "DATASET/UNKNOWN"
)

// Code returns the stable machine code for err.
func Code(err error) string {
	var conflict *ItemConflictError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &conflict):
		return CodeStorageItemConflict
	case errors.Is(err, ErrValue):
		return CodeValidationValue
	case errors.Is(err, ErrInvalidName):
		return CodeValidationInvalidName
	case errors.Is(err, ErrType):
		return CodeLifecycleState
	case errors.Is(err, ErrKey):
		return CodeResourceNotFound
	case errors.Is(err, ErrDuplicateItem):
		return CodeManifestDuplicateItem
	case errors.Is(err, ErrStorage):
		return CodeStorageIO
	default:
		return CodeUnknown
	}
}

// ErrorIR is the canonical error record.
type ErrorIR struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Detail   string         `json:"detail"`
	Instance string         `json:"instance,omitempty"`
	Dataset  DatasetDetails `json:"dataset"`
}

type DatasetDetails struct {
	ErrorCode      string `json:"error_code"`
	Classification string `json:"classification"`
}

var titles = map[string]string{
	CodeValidationValue:       "Invalid value",
	CodeValidationInvalidName: "Invalid name",
	CodeLifecycleState:        "Invalid lifecycle state",
	CodeResourceNotFound:      "Not found",
	CodeStorageIO:             "Storage error",
	CodeStorageItemConflict:   "Item conflict",
	CodeManifestDuplicateItem: "Duplicate item",
	CodeUnknown:               "Unknown error",
}

// FromError converts err into an ErrorIR. instance is usually the dataset URI
// the failing operation addressed.
func FromError(err error, instance string) ErrorIR {
	code := Code(err)
	classification := ClassificationNonRetryable
	switch code {
	case CodeStorageItemConflict:
		classification = ClassificationResumeRequired
	case CodeStorageIO:
		classification = ClassificationRetryable
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return ErrorIR{
		Type:     "https://helm.mindburn.org/datasets/errors/" + code,
		Title:    titles[code],
		Detail:   detail,
		Instance: instance,
		Dataset: DatasetDetails{
			ErrorCode:      code,
			Classification: classification,
		},
	}
}
