// Package repo defines a generic keyed repository and its Neo4j
// implementation.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the given id.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic keyed store. Upsert replaces the whole entity.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, id ID, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts controls pagination and filtering for List operations. Filter
// matches property equality. A zero Limit returns everything.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
}
