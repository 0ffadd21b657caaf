//go:build gcp

package storagebroker

import "context"

func newGCSBackend(ctx context.Context) (Backend, error) {
	return NewGCSBackend(ctx)
}
