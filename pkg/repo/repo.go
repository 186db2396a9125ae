// Package repo defines an append-and-list Repository over Neo4j nodes.
package repo

import (
	"context"
	"regexp"
)

// Repository stores entities and lists them back. Entities are never
// updated in place.
type Repository[T any] interface {
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
}

// ListOpts controls pagination, filtering and ordering for List operations.
// Filter keys and OrderBy must be plain property names.
type ListOpts struct {
	Offset  int
	Limit   int
	Filter  map[string]any
	OrderBy string
	Desc    bool
}

var propertyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validProperty reports whether name is safe to splice into a query.
func validProperty(name string) bool {
	return propertyRe.MatchString(name)
}
