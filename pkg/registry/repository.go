// Package registry stores extensions. Implementations hand out copies; the
// stored value is only ever changed through Save, Update and Delete.
package registry

import (
	"context"

	"github.com/platinummonkey/plexus/pkg/extensions"
)

// Repository is the persistence contract for extensions.
//
// Lookups of unknown ids or names return (nil, nil); callers decide whether
// that is an error.
type Repository interface {
	// Save assigns an id when ExtensionID is empty and overwrites any stored
	// extension with the same id (last writer wins).
	Save(ctx context.Context, ext *extensions.Extension) (*extensions.Extension, error)
	GetByID(ctx context.Context, id string) (*extensions.Extension, error)
	GetByName(ctx context.Context, name string) (*extensions.Extension, error)
	Search(ctx context.Context, criteria extensions.SearchCriteria) ([]*extensions.Extension, error)
	Delete(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context, criteria extensions.SearchCriteria) (int, error)
	All(ctx context.Context) ([]*extensions.Extension, error)

	// Update applies fn to the stored extension as one atomic
	// read-modify-write. fn returning an error aborts without writing.
	// Returns a NotFoundError for unknown ids.
	Update(ctx context.Context, id string, fn func(*extensions.Extension) error) (*extensions.Extension, error)
}
