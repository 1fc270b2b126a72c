package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/procurehq/be-purchase-orders/internal/platform/database"
	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
)

// OrganizationRepository reads tenant settings and rotates ledger tokens.
type OrganizationRepository struct {
	db *database.DB
}

// NewOrganizationRepository creates a new OrganizationRepository.
func NewOrganizationRepository(db *database.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// GetByID retrieves an organization. Approval threshold and auto-approve
// policy are read here at decision time, never cached across requests.
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*Organization, error) {
	query := `
		SELECT id, name, approval_threshold, auto_approve_admin,
		       freeagent_access_token, freeagent_refresh_token, freeagent_token_expiry,
		       created_at, updated_at
		FROM organizations
		WHERE id = $1
	`

	org := &Organization{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&org.ID,
		&org.Name,
		&org.ApprovalThreshold,
		&org.AutoApproveAdmin,
		&org.FreeAgentAccessToken,
		&org.FreeAgentRefreshToken,
		&org.FreeAgentTokenExpiry,
		&org.CreatedAt,
		&org.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("organization", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get organization")
	}

	return org, nil
}

// UpdateFreeAgentTokens persists a rotated token pair and expiry.
func (r *OrganizationRepository) UpdateFreeAgentTokens(ctx context.Context, orgID, accessToken, refreshToken string, expiry time.Time) error {
	query := `
		UPDATE organizations
		SET freeagent_access_token = $2,
		    freeagent_refresh_token = $3,
		    freeagent_token_expiry = $4,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, orgID, accessToken, refreshToken, expiry).Scan(&returnedID)

	if err == pgx.ErrNoRows {
		return errors.NotFound("organization", orgID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update ledger tokens")
	}

	return nil
}

// ClearFreeAgentTokens disconnects the ledger for an organization.
func (r *OrganizationRepository) ClearFreeAgentTokens(ctx context.Context, orgID string) error {
	query := `
		UPDATE organizations
		SET freeagent_access_token = NULL,
		    freeagent_refresh_token = NULL,
		    freeagent_token_expiry = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`

	if _, err := r.db.Exec(ctx, query, orgID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear ledger tokens")
	}
	return nil
}

// GetUser retrieves a user scoped to an organization.
func (r *OrganizationRepository) GetUser(ctx context.Context, userID, orgID string) (*User, error) {
	query := `
		SELECT id, organization_id, email, name, role, created_at
		FROM users
		WHERE id = $1 AND organization_id = $2
	`

	user := &User{}
	var role string
	err := r.db.QueryRow(ctx, query, userID, orgID).Scan(
		&user.ID,
		&user.OrganizationID,
		&user.Email,
		&user.Name,
		&role,
		&user.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("user", userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}

	user.Role = ParseRole(role)
	return user, nil
}
