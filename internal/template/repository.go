package template

import (
	"context"

	"github.com/google/uuid"

	"github.com/midnight-protocol/admin/internal/models"
)

// Repository persists templates and their append-only version chains.
//
// Create writes the template and its first version atomically and fills in
// ids and timestamps; it returns ErrDuplicateName when (kind, name) is taken.
// AppendVersion inserts v, marks it current and stores t's metadata, but only
// while the template is still at expectedVersion; otherwise it returns
// ErrConflict. Lookups of unknown ids or names return ErrNotFound.
type Repository interface {
	Create(ctx context.Context, t *models.Template, v *models.TemplateVersion) error
	AppendVersion(ctx context.Context, t *models.Template, expectedVersion int, v *models.TemplateVersion) error
	Get(ctx context.Context, id uuid.UUID) (*models.Template, error)
	GetByName(ctx context.Context, kind models.TemplateKind, name string) (*models.Template, error)
	List(ctx context.Context, kind models.TemplateKind, f ListFilter) ([]models.Template, error)
	ListVersions(ctx context.Context, templateID uuid.UUID) ([]models.TemplateVersion, error)
	GetVersion(ctx context.Context, templateID, versionID uuid.UUID) (*models.TemplateVersion, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type ListFilter struct {
	Search         string `json:"search,omitempty"`
	Category       string `json:"category,omitempty"`
	IncludeRetired bool   `json:"include_retired,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	Offset         int    `json:"offset,omitempty"`
}
