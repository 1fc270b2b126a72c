package repository

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/procurehq/be-purchase-orders/internal/platform/database"
	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ProjectRepository handles local project mirrors and sync run logs.
type ProjectRepository struct {
	db *database.DB
}

// NewProjectRepository creates a new ProjectRepository.
func NewProjectRepository(db *database.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Upsert creates or updates a project mirror keyed by its remote URL within
// the organization. Derived metrics are left untouched here; they are
// recomputed by UpdateMetrics after the sync pass.
func (r *ProjectRepository) Upsert(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	query := `
		INSERT INTO projects
		    (id, organization_id, freeagent_url, name, status, contact_name,
		     budget, budget_alert_threshold, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (organization_id, freeagent_url)
		DO UPDATE SET name = EXCLUDED.name,
		              status = EXCLUDED.status,
		              contact_name = EXCLUDED.contact_name,
		              budget = COALESCE(EXCLUDED.budget, projects.budget),
		              last_synced_at = EXCLUDED.last_synced_at,
		              updated_at = NOW()
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		p.ID,
		p.OrganizationID,
		p.FreeAgentURL,
		p.Name,
		p.Status,
		p.ContactName,
		p.Budget,
		p.BudgetAlertThreshold,
		p.LastSyncedAt,
	).Scan(&p.ID)

	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert project")
	}
	return nil
}

// List retrieves projects for an organization with optional status and
// health filters.
func (r *ProjectRepository) List(ctx context.Context, orgID string, status *ProjectStatus, health *HealthStatus) ([]*Project, error) {
	builder := psql.Select(
		"id", "organization_id", "freeagent_url", "name", "status", "contact_name",
		"budget", "budget_alert_threshold",
		"total_revenue", "total_costs", "total_po_value", "profit_amount", "profit_margin",
		"health_status", "last_synced_at", "created_at", "updated_at",
	).From("projects").Where(sq.Eq{"organization_id": orgID}).OrderBy("name")

	if status != nil {
		builder = builder.Where(sq.Eq{"status": *status})
	}
	if health != nil {
		builder = builder.Where(sq.Eq{"health_status": *health})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build project query")
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list projects")
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p := &Project{}
		err := rows.Scan(
			&p.ID,
			&p.OrganizationID,
			&p.FreeAgentURL,
			&p.Name,
			&p.Status,
			&p.ContactName,
			&p.Budget,
			&p.BudgetAlertThreshold,
			&p.TotalRevenue,
			&p.TotalCosts,
			&p.TotalPOValue,
			&p.ProfitAmount,
			&p.ProfitMargin,
			&p.HealthStatus,
			&p.LastSyncedAt,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan project")
		}
		projects = append(projects, p)
	}

	return projects, nil
}

// UpdateMetrics writes the recomputed financial rollups and health status.
func (r *ProjectRepository) UpdateMetrics(ctx context.Context, id string, totalPOValue, profit, margin decimal.Decimal, health HealthStatus) error {
	query := `
		UPDATE projects
		SET total_po_value = $2,
		    total_costs = $2,
		    profit_amount = $3,
		    profit_margin = $4,
		    health_status = $5,
		    updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, id, totalPOValue, profit, margin, health); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update project metrics")
	}
	return nil
}

// ── Sync logs ────────────────────────────────────────────────────────────────

// CreateSyncLog inserts an IN_PROGRESS run record before any remote call.
func (r *ProjectRepository) CreateSyncLog(ctx context.Context, orgID string) (*ProjectSyncLog, error) {
	log := &ProjectSyncLog{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Status:         SyncInProgress,
	}

	query := `
		INSERT INTO project_sync_logs (id, organization_id, status)
		VALUES ($1, $2, $3)
		RETURNING started_at
	`

	if err := r.db.QueryRow(ctx, query, log.ID, orgID, log.Status).Scan(&log.StartedAt); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to create sync log")
	}
	return log, nil
}

// UpdateSyncProgress persists counters mid-run so pollers can observe
// approximate progress.
func (r *ProjectRepository) UpdateSyncProgress(ctx context.Context, id string, total, synced, failed int) error {
	query := `
		UPDATE project_sync_logs
		SET projects_total = $2, projects_synced = $3, projects_failed = $4
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`

	if _, err := r.db.Exec(ctx, query, id, total, synced, failed); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update sync progress")
	}
	return nil
}

// FinishSyncLog moves a run to its terminal state with final counters and
// structured per-item error details.
func (r *ProjectRepository) FinishSyncLog(ctx context.Context, id string, status SyncStatus, total, synced, failed int, errs []SyncError) error {
	var details []byte
	if len(errs) > 0 {
		var err error
		details, err = json.Marshal(errs)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal sync error details")
		}
	}

	query := `
		UPDATE project_sync_logs
		SET status = $2,
		    projects_total = $3,
		    projects_synced = $4,
		    projects_failed = $5,
		    error_details = $6,
		    completed_at = NOW()
		WHERE id = $1 AND status = 'IN_PROGRESS'
	`

	tag, err := r.db.Exec(ctx, query, id, status, total, synced, failed, details)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to finish sync log")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrCodeConflict, "sync log %s is already terminal", id)
	}

	return nil
}

// GetSyncLog retrieves one run record.
func (r *ProjectRepository) GetSyncLog(ctx context.Context, id, orgID string) (*ProjectSyncLog, error) {
	query := `
		SELECT id, organization_id, status, projects_total, projects_synced, projects_failed,
		       error_details, started_at, completed_at
		FROM project_sync_logs
		WHERE id = $1 AND organization_id = $2
	`

	log := &ProjectSyncLog{}
	var details []byte
	err := r.db.QueryRow(ctx, query, id, orgID).Scan(
		&log.ID,
		&log.OrganizationID,
		&log.Status,
		&log.ProjectsTotal,
		&log.ProjectsSynced,
		&log.ProjectsFailed,
		&details,
		&log.StartedAt,
		&log.CompletedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("sync log", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get sync log")
	}

	if details != nil {
		if err := json.Unmarshal(details, &log.ErrorDetails); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal sync error details")
		}
	}

	return log, nil
}
