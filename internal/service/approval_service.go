package service

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
	"github.com/procurehq/be-purchase-orders/internal/repository"
)

// defaultApprovalThreshold applies when an organization has no threshold set.
var defaultApprovalThreshold = decimal.NewFromInt(50)

// Decision is the outcome of the approval requirement check.
type Decision string

const (
	DecisionAutoApprove     Decision = "AUTO_APPROVE"
	DecisionRequireApproval Decision = "REQUIRE_APPROVAL"
)

// ApprovalStore persists approval requests and their audit trail.
type ApprovalStore interface {
	CreateRequest(ctx context.Context, req *repository.ApprovalRequest) error
	GetRequest(ctx context.Context, id, orgID string) (*repository.ApprovalRequest, error)
	ResolveRequest(ctx context.Context, id, orgID string, status repository.ApprovalStatus, approverID string, reason *string) error
	AppendAudit(ctx context.Context, entry *repository.AuditEntry) error
	ListAudit(ctx context.Context, approvalRequestID string) ([]*repository.AuditEntry, error)
	PendingForApprover(ctx context.Context, orgID, approverID string) ([]*repository.ApprovalRequest, error)
}

// PurchaseOrderStatusStore is the slice of the PO repository the workflow
// engine needs.
type PurchaseOrderStatusStore interface {
	GetByID(ctx context.Context, id, orgID string) (*repository.PurchaseOrder, error)
	UpdateStatus(ctx context.Context, id, orgID string, status repository.POStatus) error
}

// DirectoryStore resolves organizations and their users.
type DirectoryStore interface {
	GetByID(ctx context.Context, id string) (*repository.Organization, error)
	GetUser(ctx context.Context, userID, orgID string) (*repository.User, error)
}

// ApprovalNotifier delivers workflow notifications. Implementations must be
// non-fatal; a lost notification never fails an approval operation.
type ApprovalNotifier interface {
	ApprovalRequested(ctx context.Context, req *repository.ApprovalRequest, po *repository.PurchaseOrder)
	ApprovalGranted(ctx context.Context, req *repository.ApprovalRequest, po *repository.PurchaseOrder)
	ApprovalDenied(ctx context.Context, req *repository.ApprovalRequest, po *repository.PurchaseOrder, reason string)
}

// SupplierDispatcher sends an approved purchase order to its supplier.
// Rendering and email delivery are external collaborators.
type SupplierDispatcher interface {
	DispatchToSupplier(ctx context.Context, po *repository.PurchaseOrder) error
}

// ApprovalService is the role- and threshold-driven workflow engine gating
// purchase order creation, plus the approval request lifecycle and its
// audit trail.
type ApprovalService struct {
	approvals  ApprovalStore
	orders     PurchaseOrderStatusStore
	directory  DirectoryStore
	notifier   ApprovalNotifier
	dispatcher SupplierDispatcher
	log        zerolog.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	approvals ApprovalStore,
	orders PurchaseOrderStatusStore,
	directory DirectoryStore,
	notifier ApprovalNotifier,
	dispatcher SupplierDispatcher,
	log zerolog.Logger,
) *ApprovalService {
	return &ApprovalService{
		approvals:  approvals,
		orders:     orders,
		directory:  directory,
		notifier:   notifier,
		dispatcher: dispatcher,
		log:        log,
	}
}

// ── Decision function ─────────────────────────────────────────────────────────

// DecideApprovalRequirement applies the organization's approval policy to a
// submission. Rules are evaluated in a fixed order; they are not commutative:
//
//  1. VIEWER may not create purchase orders at all.
//  2. SUPER_ADMIN is always auto-approved, regardless of settings.
//  3. ADMIN is auto-approved only while the organization's blanket admin
//     auto-approval is enabled; otherwise the threshold rule applies.
//  4. Everyone else requires approval when the subtotal meets or exceeds
//     the organization threshold (default 50 when unset).
func (s *ApprovalService) DecideApprovalRequirement(user *repository.User, org *repository.Organization, subtotal decimal.Decimal) (Decision, error) {
	if user.Role == repository.RoleViewer {
		return "", errors.New(errors.ErrCodeUnauthorized, "viewers cannot create purchase orders")
	}
	if user.Role == repository.RoleSuperAdmin {
		return DecisionAutoApprove, nil
	}
	if user.Role == repository.RoleAdmin && org.AutoApproveAdmin {
		return DecisionAutoApprove, nil
	}

	threshold := org.ApprovalThreshold
	if threshold.IsZero() {
		threshold = defaultApprovalThreshold
	}
	if subtotal.GreaterThanOrEqual(threshold) {
		return DecisionRequireApproval, nil
	}
	return DecisionAutoApprove, nil
}

// AuthorizeDirectCreate re-runs the decision server-side for the direct
// creation path. A client claiming a pre-approved request cannot bypass the
// submission path: if the policy requires approval, direct creation is
// rejected here with an authorization error.
func (s *ApprovalService) AuthorizeDirectCreate(user *repository.User, org *repository.Organization, subtotal decimal.Decimal) error {
	decision, err := s.DecideApprovalRequirement(user, org, subtotal)
	if err != nil {
		return err
	}
	if decision == DecisionRequireApproval {
		return errors.New(errors.ErrCodeUnauthorized,
			"purchase order requires approval; submit it through the approval workflow")
	}
	return nil
}

// ── Submission ────────────────────────────────────────────────────────────────

// SubmitForApproval runs the decision for a DRAFT purchase order. On
// auto-approval the order moves straight to APPROVED with no request row.
// Otherwise a PENDING request bound to the chosen approver is created, a
// SUBMITTED audit entry appended, the order parked in PENDING_APPROVAL and
// the approver notified. Returns the request, or nil when auto-approved.
func (s *ApprovalService) SubmitForApproval(ctx context.Context, orgID, poID, requesterID, approverID string) (*repository.ApprovalRequest, error) {
	org, err := s.directory.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	requester, err := s.directory.GetUser(ctx, requesterID, orgID)
	if err != nil {
		return nil, err
	}
	po, err := s.orders.GetByID(ctx, poID, orgID)
	if err != nil {
		return nil, err
	}

	if po.Status != repository.StatusDraft {
		return nil, errors.Newf(errors.ErrCodeConflict,
			"cannot submit purchase order with status %s for approval", po.Status)
	}

	decision, err := s.DecideApprovalRequirement(requester, org, po.Subtotal)
	if err != nil {
		return nil, err
	}

	if decision == DecisionAutoApprove {
		if err := s.transition(ctx, po, repository.StatusApproved); err != nil {
			return nil, err
		}
		s.log.Info().
			Str("po_id", po.ID).
			Str("po_number", po.PONumber).
			Str("requester_id", requesterID).
			Msg("Purchase order auto-approved")
		return nil, nil
	}

	approver, err := s.directory.GetUser(ctx, approverID, orgID)
	if err != nil {
		return nil, err
	}
	if !approver.Role.AtLeast(repository.RoleAdmin) {
		return nil, errors.New(errors.ErrCodeInvalidInput,
			"approver must hold the ADMIN or SUPER_ADMIN role")
	}

	req := &repository.ApprovalRequest{
		PurchaseOrderID: po.ID,
		OrganizationID:  orgID,
		Amount:          po.Subtotal,
		RequesterID:     requesterID,
		ApproverID:      &approver.ID,
	}
	if err := s.approvals.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, req.ID, repository.AuditSubmitted, requesterID, nil)

	if err := s.transition(ctx, po, repository.StatusPendingApproval); err != nil {
		return nil, err
	}

	s.notifier.ApprovalRequested(ctx, req, po)

	s.log.Info().
		Str("po_id", po.ID).
		Str("po_number", po.PONumber).
		Str("approval_request_id", req.ID).
		Str("approver_id", approver.ID).
		Msg("Approval requested")

	return req, nil
}

// ── Approve ───────────────────────────────────────────────────────────────────

// Approve resolves a PENDING request as APPROVED, flips the bound purchase
// order to APPROVED, dispatches it to the supplier and notifies the
// requester. Approving a non-PENDING request is a conflict. The order's
// transition is checked before the request is resolved, so a request is
// never left terminal against an order that refused the flip.
func (s *ApprovalService) Approve(ctx context.Context, orgID, requestID, approverID string) (*repository.PurchaseOrder, error) {
	req, err := s.assertResolvable(ctx, orgID, requestID, approverID)
	if err != nil {
		return nil, err
	}

	po, err := s.resolvablePO(ctx, req, repository.StatusApproved)
	if err != nil {
		return nil, err
	}

	if err := s.approvals.ResolveRequest(ctx, requestID, orgID, repository.ApprovalApproved, approverID, nil); err != nil {
		return nil, err
	}
	s.appendAudit(ctx, requestID, repository.AuditApproved, approverID, nil)

	if err := s.transition(ctx, po, repository.StatusApproved); err != nil {
		return nil, err
	}

	if err := s.dispatcher.DispatchToSupplier(ctx, po); err != nil {
		// Dispatch is an external collaborator; the approval itself stands.
		s.log.Warn().Err(err).Str("po_id", po.ID).Msg("Supplier dispatch failed after approval")
	}

	s.notifier.ApprovalGranted(ctx, req, po)

	s.log.Info().
		Str("approval_request_id", requestID).
		Str("po_id", po.ID).
		Str("approver_id", approverID).
		Msg("Approval granted")

	return po, nil
}

// Deny resolves a PENDING request as DENIED with a mandatory reason and
// returns the bound purchase order to DRAFT for editing and resubmission.
func (s *ApprovalService) Deny(ctx context.Context, orgID, requestID, approverID, reason string) (*repository.PurchaseOrder, error) {
	if reason == "" {
		return nil, errors.InvalidInput("reason", "a reason is required to deny an approval request")
	}

	req, err := s.assertResolvable(ctx, orgID, requestID, approverID)
	if err != nil {
		return nil, err
	}

	po, err := s.resolvablePO(ctx, req, repository.StatusDraft)
	if err != nil {
		return nil, err
	}

	if err := s.approvals.ResolveRequest(ctx, requestID, orgID, repository.ApprovalDenied, approverID, &reason); err != nil {
		return nil, err
	}
	s.appendAudit(ctx, requestID, repository.AuditDenied, approverID, &reason)

	if err := s.transition(ctx, po, repository.StatusDraft); err != nil {
		return nil, err
	}

	s.notifier.ApprovalDenied(ctx, req, po, reason)

	s.log.Info().
		Str("approval_request_id", requestID).
		Str("po_id", po.ID).
		Str("approver_id", approverID).
		Msg("Approval denied")

	return po, nil
}

// Comment appends a COMMENTED audit entry without changing any state.
func (s *ApprovalService) Comment(ctx context.Context, orgID, requestID, actorID, text string) error {
	if text == "" {
		return errors.InvalidInput("comment", "comment text is required")
	}
	if _, err := s.approvals.GetRequest(ctx, requestID, orgID); err != nil {
		return err
	}
	s.appendAudit(ctx, requestID, repository.AuditCommented, actorID, &text)
	return nil
}

// Cancel lets the original requester withdraw a PENDING request, returning
// the purchase order to DRAFT.
func (s *ApprovalService) Cancel(ctx context.Context, orgID, requestID, requesterID string) error {
	req, err := s.approvals.GetRequest(ctx, requestID, orgID)
	if err != nil {
		return err
	}
	if req.RequesterID != requesterID {
		return errors.New(errors.ErrCodeUnauthorized, "only the requester can cancel an approval request")
	}
	if req.Status != repository.ApprovalPending {
		return errors.Newf(errors.ErrCodeConflict, "approval request %s is not pending", requestID)
	}

	po, err := s.resolvablePO(ctx, req, repository.StatusDraft)
	if err != nil {
		return err
	}

	if err := s.approvals.ResolveRequest(ctx, requestID, orgID, repository.ApprovalCancelled, requesterID, nil); err != nil {
		return err
	}
	s.appendAudit(ctx, requestID, repository.AuditCancelled, requesterID, nil)

	return s.transition(ctx, po, repository.StatusDraft)
}

// AuditTrail returns the full audit trail for a request, oldest first.
func (s *ApprovalService) AuditTrail(ctx context.Context, orgID, requestID string) ([]*repository.AuditEntry, error) {
	if _, err := s.approvals.GetRequest(ctx, requestID, orgID); err != nil {
		return nil, err
	}
	return s.approvals.ListAudit(ctx, requestID)
}

// PendingApprovals lists the requests waiting on an approver, either
// designated to them or unassigned, oldest first.
func (s *ApprovalService) PendingApprovals(ctx context.Context, orgID, approverID string) ([]*repository.ApprovalRequest, error) {
	approver, err := s.directory.GetUser(ctx, approverID, orgID)
	if err != nil {
		return nil, err
	}
	if !approver.Role.AtLeast(repository.RoleAdmin) {
		return nil, errors.New(errors.ErrCodeUnauthorized,
			"listing pending approvals requires the ADMIN role or above")
	}
	return s.approvals.PendingForApprover(ctx, orgID, approverID)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// assertResolvable loads the request and checks the approver may resolve it:
// the approver must hold ADMIN or SUPER_ADMIN, the request must still be
// PENDING, and a designated approver binding is honored when present.
func (s *ApprovalService) assertResolvable(ctx context.Context, orgID, requestID, approverID string) (*repository.ApprovalRequest, error) {
	approver, err := s.directory.GetUser(ctx, approverID, orgID)
	if err != nil {
		return nil, err
	}
	if !approver.Role.AtLeast(repository.RoleAdmin) {
		return nil, errors.New(errors.ErrCodeUnauthorized,
			"only ADMIN or SUPER_ADMIN users can resolve approval requests")
	}

	req, err := s.approvals.GetRequest(ctx, requestID, orgID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.ApprovalPending {
		return nil, errors.Newf(errors.ErrCodeConflict,
			"approval request %s is not pending (status: %s)", requestID, req.Status)
	}
	if req.ApproverID != nil && *req.ApproverID != approverID {
		return nil, errors.New(errors.ErrCodeUnauthorized,
			"approval request is assigned to a different approver")
	}

	return req, nil
}

// resolvablePO loads the bound purchase order and verifies it can still make
// the transition the resolution implies. Resolving the request happens only
// after this check, so a concurrently cancelled or re-drafted order leaves
// the request PENDING instead of stranding it terminal.
func (s *ApprovalService) resolvablePO(ctx context.Context, req *repository.ApprovalRequest, next repository.POStatus) (*repository.PurchaseOrder, error) {
	po, err := s.orders.GetByID(ctx, req.PurchaseOrderID, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !po.Status.CanTransitionTo(next) {
		return nil, errors.Newf(errors.ErrCodeConflict,
			"purchase order %s cannot move %s -> %s", po.ID, po.Status, next)
	}
	return po, nil
}

// transition validates the status change against the transition table before
// persisting it.
func (s *ApprovalService) transition(ctx context.Context, po *repository.PurchaseOrder, next repository.POStatus) error {
	if !po.Status.CanTransitionTo(next) {
		return errors.Newf(errors.ErrCodeConflict,
			"illegal purchase order transition %s -> %s", po.Status, next)
	}
	if err := s.orders.UpdateStatus(ctx, po.ID, po.OrganizationID, next); err != nil {
		return err
	}
	po.Status = next
	return nil
}

// appendAudit writes an audit entry, logging a warning on failure. The audit
// write never fails the workflow operation itself.
func (s *ApprovalService) appendAudit(ctx context.Context, requestID string, action repository.AuditAction, actorID string, reason *string) {
	entry := &repository.AuditEntry{
		ApprovalRequestID: requestID,
		Action:            action,
		ActorID:           actorID,
		Reason:            reason,
	}
	if err := s.approvals.AppendAudit(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("approval_request_id", requestID).
			Str("action", string(action)).
			Msg("Failed to write audit entry")
	}
}
