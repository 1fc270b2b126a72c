package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Roles ────────────────────────────────────────────────────────────────────

// Role is a ranked user role. Higher rank grants every capability of the
// ranks below it.
type Role int

const (
	RoleViewer Role = iota
	RoleManager
	RoleAdmin
	RoleSuperAdmin
)

var roleNames = map[Role]string{
	RoleViewer:     "VIEWER",
	RoleManager:    "MANAGER",
	RoleAdmin:      "ADMIN",
	RoleSuperAdmin: "SUPER_ADMIN",
}

var rolesByName = map[string]Role{
	"VIEWER":      RoleViewer,
	"MANAGER":     RoleManager,
	"ADMIN":       RoleAdmin,
	"SUPER_ADMIN": RoleSuperAdmin,
}

func (r Role) String() string { return roleNames[r] }

// AtLeast reports whether r ranks at or above other. This is the single
// comparison used for all authorization decisions.
func (r Role) AtLeast(other Role) bool { return r >= other }

// ParseRole maps a stored role name to its rank. Unknown names map to
// VIEWER, the least-privileged rank.
func ParseRole(name string) Role {
	if r, ok := rolesByName[name]; ok {
		return r
	}
	return RoleViewer
}

// ── Purchase order status machine ────────────────────────────────────────────

// POStatus is the lifecycle state of a purchase order.
type POStatus string

const (
	StatusDraft           POStatus = "DRAFT"
	StatusPendingApproval POStatus = "PENDING_APPROVAL"
	StatusApproved        POStatus = "APPROVED"
	StatusSent            POStatus = "SENT"
	StatusReceived        POStatus = "RECEIVED"
	StatusInvoiced        POStatus = "INVOICED"
	StatusCancelled       POStatus = "CANCELLED"
)

// poTransitions is the full set of legal status transitions. Cancellation is
// reachable from every non-terminal state.
var poTransitions = map[POStatus][]POStatus{
	StatusDraft:           {StatusPendingApproval, StatusApproved, StatusCancelled},
	StatusPendingApproval: {StatusApproved, StatusDraft, StatusCancelled},
	StatusApproved:        {StatusSent, StatusCancelled},
	StatusSent:            {StatusReceived, StatusCancelled},
	StatusReceived:        {StatusInvoiced, StatusCancelled},
	StatusInvoiced:        {StatusCancelled},
	StatusCancelled:       {},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s POStatus) CanTransitionTo(next POStatus) bool {
	for _, t := range poTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ── Tax handling ─────────────────────────────────────────────────────────────

// TaxMode describes how the snapshotted tax rate applies to the subtotal.
type TaxMode string

const (
	TaxNone      TaxMode = "NONE"
	TaxExclusive TaxMode = "EXCLUSIVE"
	TaxInclusive TaxMode = "INCLUSIVE"
)

// ── Tenancy ──────────────────────────────────────────────────────────────────

// Organization is the tenant boundary. Ledger OAuth credentials and approval
// policy live here and are read fresh at decision time.
type Organization struct {
	ID                string
	Name              string
	ApprovalThreshold decimal.Decimal // zero means unset; decision falls back to the default
	AutoApproveAdmin  bool

	FreeAgentAccessToken  *string
	FreeAgentRefreshToken *string
	FreeAgentTokenExpiry  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerConnected reports whether the organization has ledger credentials.
func (o *Organization) LedgerConnected() bool {
	return o.FreeAgentAccessToken != nil && *o.FreeAgentAccessToken != ""
}

// User belongs to exactly one organization.
type User struct {
	ID             string
	OrganizationID string
	Email          string
	Name           string
	Role           Role
	CreatedAt      time.Time
}

// ── Purchase orders ──────────────────────────────────────────────────────────

// PurchaseOrder is the central work item. Tax fields are snapshots copied at
// creation time; they are never re-derived from current tax-rate definitions.
type PurchaseOrder struct {
	ID             string
	OrganizationID string
	PONumber       string
	CreatedBy      string
	Status         POStatus

	SupplierName  string
	SupplierEmail *string

	ProjectID *string

	Subtotal    decimal.Decimal
	TaxMode     TaxMode
	TaxRate     decimal.Decimal // percentage snapshot, e.g. 20
	TaxAmount   decimal.Decimal
	TotalAmount decimal.Decimal
	Currency    string

	OrderDate         time.Time
	InvoiceReceivedAt *time.Time
	PaymentTermsDays  int

	FreeAgentContactURL    *string
	FreeAgentBillID        *string
	FreeAgentBillURL       *string
	FreeAgentBillCreatedAt *time.Time

	Lines []*PurchaseOrderLine

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PurchaseOrderLine is owned exclusively by its purchase order.
type PurchaseOrderLine struct {
	ID              string
	PurchaseOrderID string
	LineNumber      int
	Description     string
	Quantity        decimal.Decimal
	UnitPrice       decimal.Decimal
	LineTotal       decimal.Decimal
}

// ── Approval workflow ────────────────────────────────────────────────────────

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalDenied    ApprovalStatus = "DENIED"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

// ApprovalRequest is created 1:1 with a purchase order when the workflow
// engine decides approval is required. Resolved exactly once.
type ApprovalRequest struct {
	ID              string
	PurchaseOrderID string
	OrganizationID  string
	Status          ApprovalStatus
	Amount          decimal.Decimal // subtotal at submission time
	RequesterID     string
	ApproverID      *string
	Reason          *string
	ResolvedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AuditAction is the kind of an audit trail entry.
type AuditAction string

const (
	AuditSubmitted AuditAction = "SUBMITTED"
	AuditApproved  AuditAction = "APPROVED"
	AuditDenied    AuditAction = "DENIED"
	AuditCommented AuditAction = "COMMENTED"
	AuditCancelled AuditAction = "CANCELLED"
)

// AuditEntry is one immutable record in the approval audit trail. Entries
// are append-only and ordered by creation.
type AuditEntry struct {
	ID                string
	ApprovalRequestID string
	Action            AuditAction
	ActorID           string
	Reason            *string
	CreatedAt         time.Time
}

// ── Category mappings ────────────────────────────────────────────────────────

// ExpenseCategoryMapping is a learned (keyword → ledger category URL) pair,
// unique per (organization_id, keyword).
type ExpenseCategoryMapping struct {
	ID             string
	OrganizationID string
	Keyword        string
	CategoryURL    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ── Projects ─────────────────────────────────────────────────────────────────

// ProjectStatus is the local project status vocabulary.
type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "ACTIVE"
	ProjectCompleted ProjectStatus = "COMPLETED"
	ProjectCancelled ProjectStatus = "CANCELLED"
	ProjectHidden    ProjectStatus = "HIDDEN"
)

// HealthStatus is the derived budget/margin traffic light.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthWarning  HealthStatus = "WARNING"
	HealthCritical HealthStatus = "CRITICAL"
	HealthUnknown  HealthStatus = "UNKNOWN"
)

// Project is a local mirror of a ledger project plus derived financials.
type Project struct {
	ID             string
	OrganizationID string
	FreeAgentURL   string // remote identifier, unique per organization
	Name           string
	Status         ProjectStatus
	ContactName    *string

	Budget               *decimal.Decimal
	BudgetAlertThreshold decimal.Decimal // percentage, default 75

	TotalRevenue decimal.Decimal
	TotalCosts   decimal.Decimal
	TotalPOValue decimal.Decimal
	ProfitAmount decimal.Decimal
	ProfitMargin decimal.Decimal // percentage

	HealthStatus HealthStatus
	LastSyncedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ── Project sync logs ────────────────────────────────────────────────────────

// SyncStatus is the lifecycle state of a sync run.
type SyncStatus string

const (
	SyncInProgress SyncStatus = "IN_PROGRESS"
	SyncCompleted  SyncStatus = "COMPLETED"
	SyncFailed     SyncStatus = "FAILED"
)

// SyncError records one per-item failure inside a sync run.
type SyncError struct {
	Project string `json:"project"`
	Error   string `json:"error"`
}

// ProjectSyncLog is the durable record of one synchronization run. Terminal
// once COMPLETED or FAILED.
type ProjectSyncLog struct {
	ID             string
	OrganizationID string
	Status         SyncStatus
	ProjectsTotal  int
	ProjectsSynced int
	ProjectsFailed int
	ErrorDetails   []SyncError
	StartedAt      time.Time
	CompletedAt    *time.Time
}
