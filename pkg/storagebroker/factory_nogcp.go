//go:build !gcp

package storagebroker

import (
	"context"

	"github.com/Mindburn-Labs/helm-datasets/pkg/errorir"
)

func newGCSBackend(_ context.Context) (Backend, error) {
	return nil, errorir.Errorf(errorir.ErrValue, "GCS storage is not enabled in this build (use -tags gcp)")
}
