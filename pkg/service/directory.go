package service

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/taskhive/taskhive/pkg/models"
	"github.com/taskhive/taskhive/pkg/storage"
)

// InMemoryDirectory is a TaskerDirectory backed by a map. It serves
// development setups, examples and tests; production deployments plug in
// a client for the real profile service instead.
type InMemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]models.TaskerProfile
}

func NewInMemoryDirectory(profiles ...models.TaskerProfile) *InMemoryDirectory {
	d := &InMemoryDirectory{profiles: make(map[uuid.UUID]models.TaskerProfile)}
	for _, p := range profiles {
		d.profiles[p.TaskerID] = p
	}
	return d
}

// Put inserts or replaces a profile snapshot.
func (d *InMemoryDirectory) Put(p models.TaskerProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.TaskerID] = p
}

func (d *InMemoryDirectory) ListByCategory(ctx context.Context, category string) ([]models.TaskerProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []models.TaskerProfile
	for _, p := range d.profiles {
		if p.HasCategory(category) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *InMemoryDirectory) GetProfile(ctx context.Context, taskerID uuid.UUID) (models.TaskerProfile, error) {
	if err := ctx.Err(); err != nil {
		return models.TaskerProfile{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[taskerID]
	if !ok {
		return models.TaskerProfile{}, storage.ErrNotFound
	}
	return p, nil
}
