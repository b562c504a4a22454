package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/midnight-protocol/admin/internal/models"
)

const uniqueViolation = "23505"

const templateColumns = `id, kind, name, description, category, subject, html, text_content, body,
	settings, variables, current_version, is_active, created_at, updated_at`

const versionColumns = `id, template_id, version, subject, html, text_content, body,
	variables, change_notes, created_by, is_current, created_at`

// PostgresRepository stores templates in the templates and
// template_versions tables.
type PostgresRepository struct {
	db *pgxpool.Pool
}

func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, t *models.Template, v *models.TemplateVersion) error {
	settingsJSON, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	varsJSON, _ := json.Marshal(t.Variables)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO templates (kind, name, description, category, subject, html, text_content, body,
		                        settings, variables, current_version, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11)
		 RETURNING id, current_version, created_at, updated_at`,
		t.Kind, t.Name, t.Description, t.Category,
		t.Content.Subject, t.Content.HTML, t.Content.Text, t.Content.Body,
		settingsJSON, varsJSON, t.IsActive,
	).Scan(&t.ID, &t.CurrentVersion, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateName
		}
		return fmt.Errorf("insert template: %w", err)
	}

	v.TemplateID = t.ID
	v.Version = 1
	v.IsCurrent = true
	if err := insertVersion(ctx, tx, v); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AppendVersion(ctx context.Context, t *models.Template, expectedVersion int, v *models.TemplateVersion) error {
	settingsJSON, err := json.Marshal(t.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	varsJSON, _ := json.Marshal(t.Variables)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`UPDATE templates
		 SET current_version = $3, description = $4, category = $5,
		     subject = $6, html = $7, text_content = $8, body = $9,
		     settings = $10, variables = $11, updated_at = now()
		 WHERE id = $1 AND current_version = $2
		 RETURNING updated_at`,
		t.ID, expectedVersion, v.Version, t.Description, t.Category,
		t.Content.Subject, t.Content.HTML, t.Content.Text, t.Content.Body,
		settingsJSON, varsJSON,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM templates WHERE id = $1)", t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check template: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE template_versions SET is_current = false WHERE template_id = $1 AND is_current",
		t.ID,
	); err != nil {
		return fmt.Errorf("clear current version: %w", err)
	}

	v.TemplateID = t.ID
	v.IsCurrent = true
	if err := insertVersion(ctx, tx, v); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	t.CurrentVersion = v.Version
	return nil
}

func insertVersion(ctx context.Context, tx pgx.Tx, v *models.TemplateVersion) error {
	varsJSON, _ := json.Marshal(v.Variables)
	err := tx.QueryRow(ctx,
		`INSERT INTO template_versions (template_id, version, subject, html, text_content, body,
		                                variables, change_notes, created_by, is_current)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at`,
		v.TemplateID, v.Version, v.Content.Subject, v.Content.HTML, v.Content.Text, v.Content.Body,
		varsJSON, v.ChangeNotes, v.CreatedBy, v.IsCurrent,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version %d: %w", v.Version, err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	row := r.db.QueryRow(ctx, "SELECT "+templateColumns+" FROM templates WHERE id = $1", id)
	return scanTemplate(row)
}

func (r *PostgresRepository) GetByName(ctx context.Context, kind models.TemplateKind, name string) (*models.Template, error) {
	row := r.db.QueryRow(ctx, "SELECT "+templateColumns+" FROM templates WHERE kind = $1 AND name = $2", kind, name)
	return scanTemplate(row)
}

func (r *PostgresRepository) List(ctx context.Context, kind models.TemplateKind, f ListFilter) ([]models.Template, error) {
	query := "SELECT " + templateColumns + " FROM templates WHERE kind = $1"
	args := []interface{}{kind}
	argIdx := 2

	if !f.IncludeRetired {
		query += " AND is_active"
	}
	if f.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argIdx)
		args = append(args, f.Category)
		argIdx++
	}
	if f.Search != "" {
		query += fmt.Sprintf(" AND (name ILIKE $%d OR description ILIKE $%d)", argIdx, argIdx)
		args = append(args, "%"+f.Search+"%")
		argIdx++
	}

	query += " ORDER BY name"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	templates := []models.Template{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

func (r *PostgresRepository) ListVersions(ctx context.Context, templateID uuid.UUID) ([]models.TemplateVersion, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM templates WHERE id = $1)", templateID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check template: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := r.db.Query(ctx,
		"SELECT "+versionColumns+" FROM template_versions WHERE template_id = $1 ORDER BY version DESC",
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	versions := []models.TemplateVersion{}
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (r *PostgresRepository) GetVersion(ctx context.Context, templateID, versionID uuid.UUID) (*models.TemplateVersion, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+versionColumns+" FROM template_versions WHERE template_id = $1 AND id = $2",
		templateID, versionID,
	)
	return scanVersion(row)
}

func (r *PostgresRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := r.db.Exec(ctx, "UPDATE templates SET is_active = $2, updated_at = now() WHERE id = $1", id, active)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTemplate(row pgx.Row) (*models.Template, error) {
	var t models.Template
	var settingsJSON, varsJSON []byte
	err := row.Scan(&t.ID, &t.Kind, &t.Name, &t.Description, &t.Category,
		&t.Content.Subject, &t.Content.HTML, &t.Content.Text, &t.Content.Body,
		&settingsJSON, &varsJSON, &t.CurrentVersion, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}

	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &t.Settings); err != nil {
			return nil, fmt.Errorf("decode settings of %s: %w", t.ID, err)
		}
	}
	t.Variables = CoerceVariables(varsJSON)
	return &t, nil
}

func scanVersion(row pgx.Row) (*models.TemplateVersion, error) {
	var v models.TemplateVersion
	var varsJSON []byte
	err := row.Scan(&v.ID, &v.TemplateID, &v.Version,
		&v.Content.Subject, &v.Content.HTML, &v.Content.Text, &v.Content.Body,
		&varsJSON, &v.ChangeNotes, &v.CreatedBy, &v.IsCurrent, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	v.Variables = CoerceVariables(varsJSON)
	return &v, nil
}
