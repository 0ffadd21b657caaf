package dataset

import (
	"context"

	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
	"github.com/Mindburn-Labs/helm-datasets/pkg/naming"
	"github.com/Mindburn-Labs/helm-datasets/pkg/storagebroker"
)

// ValidateTag accepts v as a tag. Anything that is not a string is an
// ErrValue; a string breaking the name rule is an ErrInvalidName.
func ValidateTag(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errorir.Errorf(errorir.ErrValue, "tag must be a string, got %T", v)
	}
	if err := naming.Validate("tag", s); err != nil {
		return "", err
	}
	return s, nil
}

func putTag(ctx context.Context, b storagebroker.Broker, tag string) error {
	if _, err := ValidateTag(tag); err != nil {
		return err
	}
	return b.PutTag(ctx, tag)
}

func deleteTag(ctx context.Context, b storagebroker.Broker, tag string) error {
	if _, err := ValidateTag(tag); err != nil {
		return err
	}
	return b.DeleteTag(ctx, tag)
}
