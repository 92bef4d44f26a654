// Package directory holds participant profiles (names, phones, vehicles)
// used to enrich outbound payloads. Presence never depends on it.
package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

type Directory interface {
	Lookup(ctx context.Context, id string) (models.Profile, error)
}

type MemoryDirectory struct {
	mu       sync.RWMutex
	profiles map[string]models.Profile
}

func NewMemoryDirectory(profiles ...models.Profile) *MemoryDirectory {
	d := &MemoryDirectory{profiles: make(map[string]models.Profile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.ID] = p
	}
	return d
}

func (d *MemoryDirectory) Lookup(_ context.Context, id string) (models.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[id]
	if !ok {
		return models.Profile{}, fmt.Errorf("%w: profile %s", models.ErrNotFound, id)
	}
	return p, nil
}

func (d *MemoryDirectory) Put(_ context.Context, p models.Profile) error {
	if p.ID == "" {
		return fmt.Errorf("%w: profile id is required", models.ErrInvalidArgument)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
	return nil
}
