package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/midnight-protocol/admin/internal/models"
)

type Service struct {
	db *pgxpool.Pool
}

func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

type LogEntry struct {
	Operator     string
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Details      map[string]interface{}
	IPAddress    string
}

func (s *Service) Log(ctx context.Context, entry LogEntry) error {
	details, _ := json.Marshal(entry.Details)

	var ip *netip.Addr
	if entry.IPAddress != "" {
		parsed, err := netip.ParseAddr(entry.IPAddress)
		if err == nil {
			ip = &parsed
		}
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO audit_logs (operator, action, resource_type, resource_id, details, ip_address)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.Operator, entry.Action, entry.ResourceType, entry.ResourceID, details, ip,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	return nil
}

// LogLLMCall stores one prompt run in the LLM call log.
func (s *Service) LogLLMCall(ctx context.Context, record models.LLMCallLog) error {
	metadata := record.Metadata
	if len(metadata) == 0 {
		metadata = json.RawMessage("{}")
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO llm_call_logs (operator, template_id, template_name, template_version, provider, model,
		                            input_tokens, output_tokens, total_tokens, cost_usd, latency_ms,
		                            success, error, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		record.Operator, record.TemplateID, record.TemplateName, record.TemplateVersion,
		record.Provider, record.Model, record.InputTokens, record.OutputTokens, record.TotalTokens,
		record.CostUSD, record.LatencyMs, record.Success, record.Error, []byte(metadata),
	)
	if err != nil {
		return fmt.Errorf("insert LLM call log: %w", err)
	}

	return nil
}

type AuditQuery struct {
	StartDate *time.Time
	EndDate   *time.Time
	Action    string
	Limit     int
	Offset    int
}

func (s *Service) GetAuditLogs(ctx context.Context, q AuditQuery) ([]models.AuditLog, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `SELECT id, operator, action, resource_type, resource_id, details, ip_address, created_at
			  FROM audit_logs WHERE true`
	args := []interface{}{}
	argIdx := 1

	if q.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, q.Action)
		argIdx++
	}
	if q.StartDate != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *q.StartDate)
		argIdx++
	}
	if q.EndDate != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *q.EndDate)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	logs := []models.AuditLog{}
	for rows.Next() {
		var l models.AuditLog
		if err := rows.Scan(&l.ID, &l.Operator, &l.Action, &l.ResourceType, &l.ResourceID, &l.Details, &l.IPAddress, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type LLMLogQuery struct {
	TemplateName string     `json:"template_name,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	FailedOnly   bool       `json:"failed_only,omitempty"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

func (s *Service) GetLLMLogs(ctx context.Context, q LLMLogQuery) ([]models.LLMCallLog, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `SELECT id, operator, template_id, template_name, template_version, provider, model,
			         input_tokens, output_tokens, total_tokens, cost_usd::float8, latency_ms,
			         success, error, metadata, created_at
			  FROM llm_call_logs WHERE true`
	args := []interface{}{}
	argIdx := 1

	if q.TemplateName != "" {
		query += fmt.Sprintf(" AND template_name = $%d", argIdx)
		args = append(args, q.TemplateName)
		argIdx++
	}
	if q.Provider != "" {
		query += fmt.Sprintf(" AND provider = $%d", argIdx)
		args = append(args, q.Provider)
		argIdx++
	}
	if q.FailedOnly {
		query += " AND NOT success"
	}
	if q.StartDate != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *q.StartDate)
		argIdx++
	}
	if q.EndDate != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *q.EndDate)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query LLM call logs: %w", err)
	}
	defer rows.Close()

	logs := []models.LLMCallLog{}
	for rows.Next() {
		var l models.LLMCallLog
		if err := rows.Scan(&l.ID, &l.Operator, &l.TemplateID, &l.TemplateName, &l.TemplateVersion,
			&l.Provider, &l.Model, &l.InputTokens, &l.OutputTokens, &l.TotalTokens, &l.CostUSD,
			&l.LatencyMs, &l.Success, &l.Error, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan LLM call log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type UsageSummary struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	TotalCalls   int     `json:"total_calls"`
	FailedCalls  int     `json:"failed_calls"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

func (s *Service) GetUsageSummary(ctx context.Context, startDate, endDate *time.Time) ([]UsageSummary, error) {
	query := `SELECT provider, model, COUNT(*) AS total_calls,
			         COUNT(*) FILTER (WHERE NOT success) AS failed_calls,
			         COALESCE(SUM(total_tokens), 0) AS total_tokens,
			         COALESCE(SUM(cost_usd), 0)::float8 AS total_cost_usd
			  FROM llm_call_logs WHERE true`
	args := []interface{}{}
	argIdx := 1

	if startDate != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *startDate)
		argIdx++
	}
	if endDate != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *endDate)
	}

	query += " GROUP BY provider, model ORDER BY total_cost_usd DESC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	defer rows.Close()

	summaries := []UsageSummary{}
	for rows.Next() {
		var us UsageSummary
		if err := rows.Scan(&us.Provider, &us.Model, &us.TotalCalls, &us.FailedCalls, &us.TotalTokens, &us.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		summaries = append(summaries, us)
	}
	return summaries, rows.Err()
}
