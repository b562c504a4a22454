package template

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/midnight-protocol/admin/internal/models"
)

// MemoryRepository is an in-process Repository with the same contract as
// PostgresRepository. It backs tests and local tooling.
type MemoryRepository struct {
	mu        sync.Mutex
	templates map[uuid.UUID]models.Template
	versions  map[uuid.UUID][]models.TemplateVersion
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		templates: make(map[uuid.UUID]models.Template),
		versions:  make(map[uuid.UUID][]models.TemplateVersion),
	}
}

func (r *MemoryRepository) Create(_ context.Context, t *models.Template, v *models.TemplateVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.templates {
		if existing.Kind == t.Kind && existing.Name == t.Name {
			return ErrDuplicateName
		}
	}

	now := time.Now()
	t.ID = uuid.New()
	t.CurrentVersion = 1
	t.CreatedAt, t.UpdatedAt = now, now

	v.ID = uuid.New()
	v.TemplateID = t.ID
	v.Version = 1
	v.IsCurrent = true
	v.CreatedAt = now

	r.templates[t.ID] = *t
	r.versions[t.ID] = []models.TemplateVersion{*v}
	return nil
}

func (r *MemoryRepository) AppendVersion(_ context.Context, t *models.Template, expectedVersion int, v *models.TemplateVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.templates[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.CurrentVersion != expectedVersion {
		return ErrConflict
	}

	chain := r.versions[t.ID]
	for i := range chain {
		chain[i].IsCurrent = false
	}
	v.ID = uuid.New()
	v.TemplateID = t.ID
	v.IsCurrent = true
	v.CreatedAt = time.Now()
	r.versions[t.ID] = append(chain, *v)

	t.CurrentVersion = v.Version
	t.UpdatedAt = v.CreatedAt
	r.templates[t.ID] = *t
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*models.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (r *MemoryRepository) GetByName(_ context.Context, kind models.TemplateKind, name string) (*models.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.templates {
		if t.Kind == kind && t.Name == name {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) List(_ context.Context, kind models.TemplateKind, f ListFilter) ([]models.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []models.Template{}
	for _, t := range r.templates {
		if t.Kind != kind || (!f.IncludeRetired && !t.IsActive) {
			continue
		}
		if f.Category != "" && t.Category != f.Category {
			continue
		}
		if f.Search != "" && !containsFold(t.Name, f.Search) && !containsFold(t.Description, f.Search) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []models.Template{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListVersions(_ context.Context, id uuid.UUID) ([]models.TemplateVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chain, ok := r.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]models.TemplateVersion, len(chain))
	for i, v := range chain {
		out[len(chain)-1-i] = v
	}
	return out, nil
}

func (r *MemoryRepository) GetVersion(_ context.Context, templateID, versionID uuid.UUID) (*models.TemplateVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.versions[templateID] {
		if v.ID == versionID {
			return &v, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.templates[id]
	if !ok {
		return ErrNotFound
	}
	t.IsActive = active
	r.templates[id] = t
	return nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

var _ Repository = (*MemoryRepository)(nil)
