package registry

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/platinummonkey/plexus/pkg/extensions"
)

// MemoryRepository keeps extensions in a map guarded by a RWMutex
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[string]*extensions.Extension
	// insertion order keeps Search and All deterministic
	order []string
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items: make(map[string]*extensions.Extension),
	}
}

// Save stores a copy of ext
func (r *MemoryRepository) Save(ctx context.Context, ext *extensions.Extension) (*extensions.Extension, error) {
	if ext == nil {
		return nil, &extensions.ValidationError{Field: "extension", Message: "extension cannot be nil"}
	}
	stored := ext.Clone()
	if stored.ExtensionID == "" {
		stored.ExtensionID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[stored.ExtensionID]; !exists {
		r.order = append(r.order, stored.ExtensionID)
	}
	r.items[stored.ExtensionID] = stored
	return stored.Clone(), nil
}

// GetByID returns a copy of the extension or nil
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*extensions.Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.items[id].Clone(), nil
}

// GetByName returns a copy of the extension with the given name or nil
func (r *MemoryRepository) GetByName(ctx context.Context, name string) (*extensions.Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		if ext := r.items[id]; ext.Name == name {
			return ext.Clone(), nil
		}
	}
	return nil, nil
}

// Search returns copies of every matching extension in insertion order
func (r *MemoryRepository) Search(ctx context.Context, criteria extensions.SearchCriteria) ([]*extensions.Extension, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*extensions.Extension, 0)
	for _, id := range r.order {
		if ext := r.items[id]; criteria.Matches(ext) {
			results = append(results, ext.Clone())
		}
	}
	return criteria.Page(results), nil
}

// Delete removes an extension, reporting whether it existed
func (r *MemoryRepository) Delete(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[id]; !exists {
		return false, nil
	}
	delete(r.items, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true, nil
}

// Count returns the number of matching extensions, ignoring paging
func (r *MemoryRepository) Count(ctx context.Context, criteria extensions.SearchCriteria) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, ext := range r.items {
		if criteria.Matches(ext) {
			count++
		}
	}
	return count, nil
}

// All returns every extension
func (r *MemoryRepository) All(ctx context.Context) ([]*extensions.Extension, error) {
	return r.Search(ctx, extensions.SearchCriteria{})
}

// Update applies fn under the write lock
func (r *MemoryRepository) Update(ctx context.Context, id string, fn func(*extensions.Extension) error) (*extensions.Extension, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return nil, &extensions.NotFoundError{ExtensionID: id}
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ExtensionID = id
	r.items[id] = working
	return working.Clone(), nil
}
