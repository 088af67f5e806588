// Package storage provides the blob backends used for license-log backups
// and the usage-history ledger.
package storage

import (
	"context"
	"strings"
)

// BlobStore is the interface for abstract storage backends.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Open resolves a location string to a backend: "s3://bucket[/prefix]"
// selects S3, anything else is a local directory root.
func Open(ctx context.Context, location string) (BlobStore, error) {
	if strings.HasPrefix(location, "s3://") {
		return NewS3StoreFromURL(ctx, location)
	}
	return NewLocalStore(location), nil
}
