package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/procurehq/be-purchase-orders/internal/platform/database"
	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
)

// ApprovalRepository handles approval requests and their audit trail. Audit
// entries are append-only: the table carries a delete-prevention trigger and
// the only mutation exposed here is AppendAudit.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// CreateRequest inserts a PENDING approval request.
func (r *ApprovalRepository) CreateRequest(ctx context.Context, req *ApprovalRequest) error {
	req.ID = uuid.NewString()
	req.Status = ApprovalPending

	query := `
		INSERT INTO approval_requests
		    (id, purchase_order_id, organization_id, status, amount, requester_id, approver_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		req.ID,
		req.PurchaseOrderID,
		req.OrganizationID,
		req.Status,
		req.Amount,
		req.RequesterID,
		req.ApproverID,
	).Scan(&req.CreatedAt, &req.UpdatedAt)

	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetRequest retrieves an approval request scoped to an organization.
func (r *ApprovalRepository) GetRequest(ctx context.Context, id, orgID string) (*ApprovalRequest, error) {
	query := `
		SELECT id, purchase_order_id, organization_id, status, amount,
		       requester_id, approver_id, reason, resolved_at, created_at, updated_at
		FROM approval_requests
		WHERE id = $1 AND organization_id = $2
	`

	req := &ApprovalRequest{}
	err := r.db.QueryRow(ctx, query, id, orgID).Scan(
		&req.ID,
		&req.PurchaseOrderID,
		&req.OrganizationID,
		&req.Status,
		&req.Amount,
		&req.RequesterID,
		&req.ApproverID,
		&req.Reason,
		&req.ResolvedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}

	return req, nil
}

// ResolveRequest transitions a PENDING request to its terminal status. The
// status guard in the WHERE clause rejects a second resolution as a
// conflict rather than silently accepting it.
func (r *ApprovalRepository) ResolveRequest(ctx context.Context, id, orgID string, status ApprovalStatus, approverID string, reason *string) error {
	query := `
		UPDATE approval_requests
		SET status = $3,
		    approver_id = $4,
		    reason = COALESCE($5, reason),
		    resolved_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = 'PENDING'
	`

	tag, err := r.db.Exec(ctx, query, id, orgID, status, approverID, reason)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve approval request")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrCodeConflict, "approval request %s is not pending", id)
	}

	return nil
}

// AppendAudit inserts one immutable audit entry.
func (r *ApprovalRepository) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	entry.ID = uuid.NewString()

	query := `
		INSERT INTO approval_audit_log (id, approval_request_id, action, actor_id, reason)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.ID,
		entry.ApprovalRequestID,
		entry.Action,
		entry.ActorID,
		entry.Reason,
	).Scan(&entry.CreatedAt)

	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListAudit returns the full trail for a request, oldest first.
func (r *ApprovalRepository) ListAudit(ctx context.Context, approvalRequestID string) ([]*AuditEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, approval_request_id, action, actor_id, reason, created_at
		FROM approval_audit_log
		WHERE approval_request_id = $1
		ORDER BY created_at ASC
	`, approvalRequestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit trail")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.ApprovalRequestID,
			&entry.Action,
			&entry.ActorID,
			&entry.Reason,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// PendingForApprover lists PENDING requests currently awaiting a user.
func (r *ApprovalRepository) PendingForApprover(ctx context.Context, orgID, approverID string) ([]*ApprovalRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, purchase_order_id, organization_id, status, amount,
		       requester_id, approver_id, reason, resolved_at, created_at, updated_at
		FROM approval_requests
		WHERE organization_id = $1 AND approver_id = $2 AND status = 'PENDING'
		ORDER BY created_at ASC
	`, orgID, approverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	var reqs []*ApprovalRequest
	for rows.Next() {
		req := &ApprovalRequest{}
		err := rows.Scan(
			&req.ID,
			&req.PurchaseOrderID,
			&req.OrganizationID,
			&req.Status,
			&req.Amount,
			&req.RequesterID,
			&req.ApproverID,
			&req.Reason,
			&req.ResolvedAt,
			&req.CreatedAt,
			&req.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		reqs = append(reqs, req)
	}

	return reqs, nil
}
