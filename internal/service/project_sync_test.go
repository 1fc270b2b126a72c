package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/be-purchase-orders/internal/freeagent"
	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
	"github.com/procurehq/be-purchase-orders/internal/repository"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeProjectStore struct {
	projects     map[string]*repository.Project // keyed by remote URL
	logs         map[string]*repository.ProjectSyncLog
	failUpsertOn string // remote URL that fails to upsert
	progress     [][3]int
	metrics      map[string]repository.HealthStatus
}

func newFakeProjectStore() *fakeProjectStore {
	return &fakeProjectStore{
		projects: make(map[string]*repository.Project),
		logs:     make(map[string]*repository.ProjectSyncLog),
		metrics:  make(map[string]repository.HealthStatus),
	}
}

func (f *fakeProjectStore) Upsert(_ context.Context, p *repository.Project) error {
	if p.FreeAgentURL == f.failUpsertOn {
		return fmt.Errorf("constraint violation")
	}
	if existing, ok := f.projects[p.FreeAgentURL]; ok {
		p.ID = existing.ID
	} else if p.ID == "" {
		p.ID = uuid.New().String()
	}
	f.projects[p.FreeAgentURL] = p
	return nil
}

func (f *fakeProjectStore) List(_ context.Context, orgID string, _ *repository.ProjectStatus, _ *repository.HealthStatus) ([]*repository.Project, error) {
	var out []*repository.Project
	for _, p := range f.projects {
		if p.OrganizationID == orgID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProjectStore) UpdateMetrics(_ context.Context, id string, _, _, _ decimal.Decimal, health repository.HealthStatus) error {
	f.metrics[id] = health
	return nil
}

func (f *fakeProjectStore) CreateSyncLog(_ context.Context, orgID string) (*repository.ProjectSyncLog, error) {
	log := &repository.ProjectSyncLog{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Status:         repository.SyncInProgress,
		StartedAt:      time.Now(),
	}
	f.logs[log.ID] = log
	return log, nil
}

func (f *fakeProjectStore) UpdateSyncProgress(_ context.Context, id string, total, synced, failed int) error {
	f.progress = append(f.progress, [3]int{total, synced, failed})
	log := f.logs[id]
	log.ProjectsTotal, log.ProjectsSynced, log.ProjectsFailed = total, synced, failed
	return nil
}

func (f *fakeProjectStore) FinishSyncLog(_ context.Context, id string, status repository.SyncStatus, total, synced, failed int, errs []repository.SyncError) error {
	log, ok := f.logs[id]
	if !ok || log.Status != repository.SyncInProgress {
		return errors.Newf(errors.ErrCodeConflict, "sync log %s is not in progress", id)
	}
	now := time.Now()
	log.Status = status
	log.ProjectsTotal, log.ProjectsSynced, log.ProjectsFailed = total, synced, failed
	log.ErrorDetails = errs
	log.CompletedAt = &now
	return nil
}

func (f *fakeProjectStore) GetSyncLog(_ context.Context, id, orgID string) (*repository.ProjectSyncLog, error) {
	log, ok := f.logs[id]
	if !ok || log.OrganizationID != orgID {
		return nil, errors.NotFound("project sync log", id)
	}
	return log, nil
}

type fakeTotals struct{ totals map[string]decimal.Decimal }

func (f *fakeTotals) ProjectTotals(context.Context, string) (map[string]decimal.Decimal, error) {
	return f.totals, nil
}

type fakeProjectLedger struct {
	projects []freeagent.Project
	listErr  error
	contacts map[string]*freeagent.Contact
}

func (f *fakeProjectLedger) ListProjects(context.Context) ([]freeagent.Project, error) {
	return f.projects, f.listErr
}

func (f *fakeProjectLedger) GetContact(_ context.Context, contactURL string) (*freeagent.Contact, error) {
	c, ok := f.contacts[contactURL]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeExternal, "contact lookup failed")
	}
	return c, nil
}

type fakeProjectLedgerFactory struct{ ledger *fakeProjectLedger }

func (f *fakeProjectLedgerFactory) ProjectsFor(*repository.Organization) ProjectLedgerClient {
	return f.ledger
}

// ── Fixture ──────────────────────────────────────────────────────────────────

type syncFixture struct {
	svc    *ProjectSyncService
	store  *fakeProjectStore
	ledger *fakeProjectLedger
	totals *fakeTotals
	org    *repository.Organization
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	token := "access-token"
	org := &repository.Organization{ID: "org-1", FreeAgentAccessToken: &token}
	directory := &fakeDirectory{
		orgs: map[string]*repository.Organization{"org-1": org},
		users: map[string]*repository.User{
			"viewer":  {ID: "viewer", OrganizationID: "org-1", Role: repository.RoleViewer},
			"manager": {ID: "manager", OrganizationID: "org-1", Role: repository.RoleManager},
		},
	}

	f := &syncFixture{
		store:  newFakeProjectStore(),
		ledger: &fakeProjectLedger{contacts: map[string]*freeagent.Contact{}},
		totals: &fakeTotals{totals: map[string]decimal.Decimal{}},
		org:    org,
	}
	f.svc = NewProjectSyncService(f.store, f.totals, directory, &fakeProjectLedgerFactory{ledger: f.ledger}, testLogger())
	return f
}

func remoteProjects(n int) []freeagent.Project {
	out := make([]freeagent.Project, n)
	for i := range out {
		out[i] = freeagent.Project{
			URL:    fmt.Sprintf("https://api.example.com/v2/projects/%d", i+1),
			Name:   fmt.Sprintf("Project %d", i+1),
			Status: "Active",
		}
	}
	return out
}

// ── StartSync gating ─────────────────────────────────────────────────────────

func TestStartSyncRequiresManagerRole(t *testing.T) {
	f := newSyncFixture(t)

	_, err := f.svc.StartSync(context.Background(), "org-1", "viewer")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestStartSyncRequiresConnectedLedger(t *testing.T) {
	f := newSyncFixture(t)
	f.org.FreeAgentAccessToken = nil

	_, err := f.svc.StartSync(context.Background(), "org-1", "manager")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTokenReconnect, errors.CodeOf(err))
}

func TestStartSyncReturnsInProgressLog(t *testing.T) {
	f := newSyncFixture(t)
	f.ledger.projects = remoteProjects(2)

	syncLog, err := f.svc.StartSync(context.Background(), "org-1", "manager")
	require.NoError(t, err)
	assert.Equal(t, repository.SyncInProgress, syncLog.Status)

	// Wait for the detached run to land its terminal status.
	require.Eventually(t, func() bool {
		current, err := f.svc.SyncStatus(context.Background(), syncLog.ID, "org-1")
		return err == nil && current.Status == repository.SyncCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

// ── Run semantics ────────────────────────────────────────────────────────────

func TestRunIsolatesPerItemFailures(t *testing.T) {
	f := newSyncFixture(t)
	f.ledger.projects = remoteProjects(10)
	f.store.failUpsertOn = "https://api.example.com/v2/projects/3"

	syncLog, err := f.store.CreateSyncLog(context.Background(), "org-1")
	require.NoError(t, err)

	f.svc.run(context.Background(), f.org, syncLog.ID)

	assert.Equal(t, repository.SyncCompleted, syncLog.Status, "item failures do not fail the run")
	assert.Equal(t, 10, syncLog.ProjectsTotal)
	assert.Equal(t, 9, syncLog.ProjectsSynced)
	assert.Equal(t, 1, syncLog.ProjectsFailed)
	require.Len(t, syncLog.ErrorDetails, 1)
	assert.Equal(t, "Project 3", syncLog.ErrorDetails[0].Project)

	// Progress was checkpointed at the ten-item mark.
	require.NotEmpty(t, f.store.progress)
	assert.Equal(t, [3]int{10, 9, 1}, f.store.progress[len(f.store.progress)-1])
}

func TestRunMarksWholeRunFailedWhenListingFails(t *testing.T) {
	f := newSyncFixture(t)
	f.ledger.listErr = errors.New(errors.ErrCodeExternal, "ledger unavailable")

	syncLog, err := f.store.CreateSyncLog(context.Background(), "org-1")
	require.NoError(t, err)

	f.svc.run(context.Background(), f.org, syncLog.ID)

	assert.Equal(t, repository.SyncFailed, syncLog.Status)
	require.Len(t, syncLog.ErrorDetails, 1)
}

func TestRunResolvesContactNames(t *testing.T) {
	f := newSyncFixture(t)
	f.ledger.projects = []freeagent.Project{
		{
			URL:     "https://api.example.com/v2/projects/1",
			Name:    "Office fit-out",
			Status:  "Active",
			Contact: "https://api.example.com/v2/contacts/7",
			Budget:  "5000",
		},
		{
			URL:     "https://api.example.com/v2/projects/2",
			Name:    "Broken contact",
			Status:  "Active",
			Contact: "https://api.example.com/v2/contacts/404",
		},
	}
	f.ledger.contacts["https://api.example.com/v2/contacts/7"] = &freeagent.Contact{OrganisationName: "Acme Ltd"}

	syncLog, err := f.store.CreateSyncLog(context.Background(), "org-1")
	require.NoError(t, err)

	f.svc.run(context.Background(), f.org, syncLog.ID)

	assert.Equal(t, repository.SyncCompleted, syncLog.Status)
	assert.Equal(t, 2, syncLog.ProjectsSynced, "a contact lookup failure does not fail the item")

	withContact := f.store.projects["https://api.example.com/v2/projects/1"]
	require.NotNil(t, withContact)
	require.NotNil(t, withContact.ContactName)
	assert.Equal(t, "Acme Ltd", *withContact.ContactName)
	require.NotNil(t, withContact.Budget)
	assert.True(t, withContact.Budget.Equal(decimal.NewFromInt(5000)))

	withoutContact := f.store.projects["https://api.example.com/v2/projects/2"]
	require.NotNil(t, withoutContact)
	assert.Nil(t, withoutContact.ContactName)
}

func TestMapRemoteStatus(t *testing.T) {
	assert.Equal(t, repository.ProjectActive, mapRemoteStatus("Active"))
	assert.Equal(t, repository.ProjectCompleted, mapRemoteStatus("Completed"))
	assert.Equal(t, repository.ProjectCancelled, mapRemoteStatus("cancelled"))
	assert.Equal(t, repository.ProjectHidden, mapRemoteStatus("Hidden"))
	assert.Equal(t, repository.ProjectActive, mapRemoteStatus("something-new"))
}

// ── Health ───────────────────────────────────────────────────────────────────

func TestClassifyHealth(t *testing.T) {
	budget := func(v int64) *decimal.Decimal {
		d := decimal.NewFromInt(v)
		return &d
	}
	dec := decimal.NewFromInt

	tests := []struct {
		name      string
		budget    *decimal.Decimal
		threshold decimal.Decimal
		poValue   decimal.Decimal
		revenue   decimal.Decimal
		margin    decimal.Decimal
		expected  repository.HealthStatus
	}{
		{"no budget", nil, dec(75), dec(100), dec(200), dec(50), repository.HealthUnknown},
		{"over budget", budget(100), dec(75), dec(101), dec(200), dec(50), repository.HealthCritical},
		{"negative margin", budget(1000), dec(75), dec(10), dec(5), dec(-100), repository.HealthCritical},
		{"usage above threshold", budget(100), dec(75), dec(80), dec(160), dec(50), repository.HealthWarning},
		{"thin margin", budget(1000), dec(75), dec(10), dec(11), dec(9), repository.HealthWarning},
		{"default threshold applies when unset", budget(100), decimal.Zero, dec(80), dec(160), dec(50), repository.HealthWarning},
		{"healthy", budget(1000), dec(75), dec(100), dec(200), dec(40), repository.HealthHealthy},
		{"healthy without recorded revenue", budget(1000), dec(75), dec(100), decimal.Zero, decimal.Zero, repository.HealthHealthy},
		{"usage rules still apply without revenue", budget(100), dec(75), dec(80), decimal.Zero, decimal.Zero, repository.HealthWarning},
		{"over budget without revenue", budget(100), dec(75), dec(101), decimal.Zero, decimal.Zero, repository.HealthCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classifyHealth(tt.budget, tt.threshold, tt.poValue, tt.revenue, tt.margin))
		})
	}
}

func TestRecomputeMetricsLowUsageSyncedProjectIsHealthy(t *testing.T) {
	f := newSyncFixture(t)
	f.ledger.projects = []freeagent.Project{
		{
			URL:    "https://api.example.com/v2/projects/1",
			Name:   "Warehouse refit",
			Status: "Active",
			Budget: "1000",
		},
	}

	syncLog, err := f.store.CreateSyncLog(context.Background(), "org-1")
	require.NoError(t, err)
	f.svc.run(context.Background(), f.org, syncLog.ID)

	synced := f.store.projects["https://api.example.com/v2/projects/1"]
	require.NotNil(t, synced)
	f.totals.totals = map[string]decimal.Decimal{synced.ID: decimal.NewFromInt(100)}

	require.NoError(t, f.svc.RecomputeMetrics(context.Background(), "org-1"))

	// 10% of budget spent and no revenue recorded yet: well within limits.
	assert.Equal(t, repository.HealthHealthy, f.store.metrics[synced.ID])
}

func TestRecomputeMetrics(t *testing.T) {
	f := newSyncFixture(t)

	b := decimal.NewFromInt(1000)
	project := &repository.Project{
		ID:             "proj-1",
		OrganizationID: "org-1",
		FreeAgentURL:   "https://api.example.com/v2/projects/1",
		Budget:         &b,
		TotalRevenue:   decimal.NewFromInt(2000),
	}
	require.NoError(t, f.store.Upsert(context.Background(), project))
	f.totals.totals = map[string]decimal.Decimal{"proj-1": decimal.NewFromInt(1100)}

	require.NoError(t, f.svc.RecomputeMetrics(context.Background(), "org-1"))

	// 1100 spent against a 1000 budget: over budget.
	assert.Equal(t, repository.HealthCritical, f.store.metrics["proj-1"])
}
