package template

import (
	"context"

	"github.com/google/uuid"

	"github.com/midnight-protocol/admin/internal/models"
)

type memRepo = MemoryRepository

func newMemRepo() *memRepo {
	return NewMemoryRepository()
}

// bump simulates another operator's save landing between read and append.
func (r *MemoryRepository) bump(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.templates[id]
	t.CurrentVersion++
	chain := r.versions[id]
	for i := range chain {
		chain[i].IsCurrent = false
	}
	r.versions[id] = append(chain, models.TemplateVersion{
		ID: uuid.New(), TemplateID: id, Version: t.CurrentVersion, Content: t.Content, IsCurrent: true,
	})
	r.templates[id] = t
}

// racingRepo runs beforeAppend ahead of every AppendVersion so tests can
// land a competing save between a read and its append.
type racingRepo struct {
	*MemoryRepository
	beforeAppend func(id uuid.UUID)
}

func (r *racingRepo) AppendVersion(ctx context.Context, t *models.Template, expectedVersion int, v *models.TemplateVersion) error {
	if r.beforeAppend != nil {
		r.beforeAppend(t.ID)
	}
	return r.MemoryRepository.AppendVersion(ctx, t, expectedVersion, v)
}
