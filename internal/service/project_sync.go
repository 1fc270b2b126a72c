package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/procurehq/be-purchase-orders/internal/freeagent"
	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
	"github.com/procurehq/be-purchase-orders/internal/repository"
)

const (
	syncProgressInterval = 10
	syncRunTimeout       = 10 * time.Minute

	defaultBudgetAlertThreshold = 75
	warningMarginFloor          = 10
)

// ProjectStore is the slice of the project repository the sync job needs.
type ProjectStore interface {
	Upsert(ctx context.Context, p *repository.Project) error
	List(ctx context.Context, orgID string, status *repository.ProjectStatus, health *repository.HealthStatus) ([]*repository.Project, error)
	UpdateMetrics(ctx context.Context, id string, totalPOValue, profit, margin decimal.Decimal, health repository.HealthStatus) error
	CreateSyncLog(ctx context.Context, orgID string) (*repository.ProjectSyncLog, error)
	UpdateSyncProgress(ctx context.Context, id string, total, synced, failed int) error
	FinishSyncLog(ctx context.Context, id string, status repository.SyncStatus, total, synced, failed int, errs []repository.SyncError) error
	GetSyncLog(ctx context.Context, id, orgID string) (*repository.ProjectSyncLog, error)
}

// ProjectTotalsStore aggregates purchase-order spend per project.
type ProjectTotalsStore interface {
	ProjectTotals(ctx context.Context, orgID string) (map[string]decimal.Decimal, error)
}

// ProjectLedgerClient is the subset of the ledger API the sync job uses.
type ProjectLedgerClient interface {
	ListProjects(ctx context.Context) ([]freeagent.Project, error)
	GetContact(ctx context.Context, contactURL string) (*freeagent.Contact, error)
}

// ProjectLedgerFactory builds a per-organization project ledger client.
type ProjectLedgerFactory interface {
	ProjectsFor(org *repository.Organization) ProjectLedgerClient
}

// ProjectSyncService mirrors ledger projects into the local store and keeps
// derived spend, profit and health metrics current. Runs happen in the
// background; their outcome is durable in the sync log, never only
// in memory.
type ProjectSyncService struct {
	projects  ProjectStore
	orders    ProjectTotalsStore
	directory DirectoryStore
	ledgers   ProjectLedgerFactory
	log       zerolog.Logger
}

// NewProjectSyncService creates a new ProjectSyncService.
func NewProjectSyncService(
	projects ProjectStore,
	orders ProjectTotalsStore,
	directory DirectoryStore,
	ledgers ProjectLedgerFactory,
	log zerolog.Logger,
) *ProjectSyncService {
	return &ProjectSyncService{
		projects:  projects,
		orders:    orders,
		directory: directory,
		ledgers:   ledgers,
		log:       log,
	}
}

// StartSync creates an IN_PROGRESS sync log and launches the run in the
// background. The returned log lets callers poll for the outcome; the run
// itself is detached from the request context.
func (s *ProjectSyncService) StartSync(ctx context.Context, orgID, actorID string) (*repository.ProjectSyncLog, error) {
	actor, err := s.directory.GetUser(ctx, actorID, orgID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.AtLeast(repository.RoleManager) {
		return nil, errors.New(errors.ErrCodeUnauthorized, "project sync requires the MANAGER role or above")
	}

	org, err := s.directory.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !org.LedgerConnected() {
		return nil, errors.New(errors.ErrCodeTokenReconnect, "ledger is not connected for this organization")
	}

	syncLog, err := s.projects.CreateSyncLog(ctx, orgID)
	if err != nil {
		return nil, err
	}

	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), syncRunTimeout)
		defer cancel()
		s.run(runCtx, org, syncLog.ID)
	}()

	return syncLog, nil
}

// SyncStatus returns the durable record of a sync run.
func (s *ProjectSyncService) SyncStatus(ctx context.Context, logID, orgID string) (*repository.ProjectSyncLog, error) {
	return s.projects.GetSyncLog(ctx, logID, orgID)
}

// ListProjects lists the organization's mirrored projects, optionally
// filtered by status and health.
func (s *ProjectSyncService) ListProjects(ctx context.Context, orgID string, status *repository.ProjectStatus, health *repository.HealthStatus) ([]*repository.Project, error) {
	return s.projects.List(ctx, orgID, status, health)
}

// run executes one sync pass. A failure to even list remote projects marks
// the whole run FAILED; failures on individual projects are recorded but do
// not stop the rest of the batch.
func (s *ProjectSyncService) run(ctx context.Context, org *repository.Organization, logID string) {
	ledger := s.ledgers.ProjectsFor(org)

	remote, err := ledger.ListProjects(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("organization_id", org.ID).Msg("Project sync failed to list remote projects")
		s.finish(ctx, logID, repository.SyncFailed, 0, 0, 0, []repository.SyncError{
			{Project: "*", Error: err.Error()},
		})
		return
	}

	total := len(remote)
	synced, failed := 0, 0
	var failures []repository.SyncError

	for i, rp := range remote {
		if err := s.syncOne(ctx, ledger, org.ID, rp); err != nil {
			failed++
			failures = append(failures, repository.SyncError{Project: rp.Name, Error: err.Error()})
			s.log.Warn().Err(err).Str("project", rp.Name).Msg("Project sync item failed")
		} else {
			synced++
		}

		if (i+1)%syncProgressInterval == 0 {
			if err := s.projects.UpdateSyncProgress(ctx, logID, total, synced, failed); err != nil {
				s.log.Warn().Err(err).Str("sync_log_id", logID).Msg("Failed to update sync progress")
			}
		}
	}

	if err := s.RecomputeMetrics(ctx, org.ID); err != nil {
		s.log.Warn().Err(err).Str("organization_id", org.ID).Msg("Failed to recompute project metrics")
	}

	s.finish(ctx, logID, repository.SyncCompleted, total, synced, failed, failures)

	s.log.Info().
		Str("organization_id", org.ID).
		Int("total", total).
		Int("synced", synced).
		Int("failed", failed).
		Msg("Project sync completed")
}

// syncOne mirrors a single remote project into the local store. A contact
// lookup failure degrades to an unnamed contact rather than failing
// the item.
func (s *ProjectSyncService) syncOne(ctx context.Context, ledger ProjectLedgerClient, orgID string, rp freeagent.Project) error {
	project := &repository.Project{
		OrganizationID: orgID,
		FreeAgentURL:   rp.URL,
		Name:           rp.Name,
		Status:         mapRemoteStatus(rp.Status),
	}

	if rp.Budget != "" {
		if budget, err := decimal.NewFromString(rp.Budget); err == nil {
			project.Budget = &budget
		}
	}

	if rp.Contact != "" {
		contact, err := ledger.GetContact(ctx, rp.Contact)
		if err != nil {
			s.log.Warn().Err(err).Str("project", rp.Name).Msg("Contact lookup failed during sync")
		} else {
			name := contact.DisplayName()
			project.ContactName = &name
		}
	}

	return s.projects.Upsert(ctx, project)
}

// RecomputeMetrics refreshes spend, profit, margin and health for every
// project in the organization from current purchase-order totals.
func (s *ProjectSyncService) RecomputeMetrics(ctx context.Context, orgID string) error {
	totals, err := s.orders.ProjectTotals(ctx, orgID)
	if err != nil {
		return err
	}
	projects, err := s.projects.List(ctx, orgID, nil, nil)
	if err != nil {
		return err
	}

	for _, p := range projects {
		poValue := totals[p.ID]
		profit := p.TotalRevenue.Sub(poValue)
		margin := decimal.Zero
		if p.TotalRevenue.IsPositive() {
			margin = profit.Div(p.TotalRevenue).Mul(decimal.NewFromInt(100))
		}
		health := classifyHealth(p.Budget, p.BudgetAlertThreshold, poValue, p.TotalRevenue, margin)

		if err := s.projects.UpdateMetrics(ctx, p.ID, poValue, profit, margin, health); err != nil {
			s.log.Warn().Err(err).Str("project_id", p.ID).Msg("Failed to update project metrics")
		}
	}
	return nil
}

// classifyHealth derives the traffic-light status: UNKNOWN without a budget,
// CRITICAL when spend exceeds it or the margin has gone negative, WARNING
// when spend crosses the alert threshold or the margin runs thin. The margin
// rules apply only once revenue has been recorded for the project; before
// that the classification rests on budget usage alone.
func classifyHealth(budget *decimal.Decimal, alertThreshold, poValue, revenue, margin decimal.Decimal) repository.HealthStatus {
	if budget == nil || !budget.IsPositive() {
		return repository.HealthUnknown
	}
	hasRevenue := revenue.IsPositive()
	if poValue.GreaterThan(*budget) || (hasRevenue && margin.IsNegative()) {
		return repository.HealthCritical
	}

	threshold := alertThreshold
	if threshold.IsZero() {
		threshold = decimal.NewFromInt(defaultBudgetAlertThreshold)
	}
	usage := poValue.Div(*budget).Mul(decimal.NewFromInt(100))
	if usage.GreaterThan(threshold) || (hasRevenue && margin.LessThan(decimal.NewFromInt(warningMarginFloor))) {
		return repository.HealthWarning
	}
	return repository.HealthHealthy
}

// mapRemoteStatus maps the ledger's project status vocabulary onto the
// local one. Unrecognized values fall back to ACTIVE.
func mapRemoteStatus(remote string) repository.ProjectStatus {
	switch strings.ToLower(remote) {
	case "completed":
		return repository.ProjectCompleted
	case "cancelled":
		return repository.ProjectCancelled
	case "hidden":
		return repository.ProjectHidden
	default:
		return repository.ProjectActive
	}
}

func (s *ProjectSyncService) finish(ctx context.Context, logID string, status repository.SyncStatus, total, synced, failed int, failures []repository.SyncError) {
	if err := s.projects.FinishSyncLog(ctx, logID, status, total, synced, failed, failures); err != nil {
		s.log.Error().Err(err).Str("sync_log_id", logID).Msg("Failed to finish sync log")
	}
}
