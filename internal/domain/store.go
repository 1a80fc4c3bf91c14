package domain

import (
	"context"
	"io"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
}

// PairOrderStore persists finished pair orders and their legs.
type PairOrderStore interface {
	Save(ctx context.Context, snap PairOrderSnapshot) error
	GetByID(ctx context.Context, id string) (PairOrderSnapshot, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]PairOrderSnapshot, error)
}

// BlobWriter uploads finished pair order archives to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
