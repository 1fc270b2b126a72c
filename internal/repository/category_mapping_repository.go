package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/procurehq/be-purchase-orders/internal/platform/database"
	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
)

// CategoryMappingRepository stores learned keyword-to-category mappings,
// unique per (organization_id, keyword). Mappings are upserted after
// successful bill creation and never auto-deleted.
type CategoryMappingRepository struct {
	db *database.DB
}

// NewCategoryMappingRepository creates a new CategoryMappingRepository.
func NewCategoryMappingRepository(db *database.DB) *CategoryMappingRepository {
	return &CategoryMappingRepository{db: db}
}

// ListByOrganization returns all stored mappings for an organization.
func (r *CategoryMappingRepository) ListByOrganization(ctx context.Context, orgID string) ([]*ExpenseCategoryMapping, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, organization_id, keyword, category_url, created_at, updated_at
		FROM expense_category_mappings
		WHERE organization_id = $1
		ORDER BY keyword
	`, orgID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list category mappings")
	}
	defer rows.Close()

	var mappings []*ExpenseCategoryMapping
	for rows.Next() {
		m := &ExpenseCategoryMapping{}
		err := rows.Scan(
			&m.ID,
			&m.OrganizationID,
			&m.Keyword,
			&m.CategoryURL,
			&m.CreatedAt,
			&m.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan category mapping")
		}
		mappings = append(mappings, m)
	}

	return mappings, nil
}

// Upsert creates or replaces the mapping for (orgID, keyword). New synonyms
// overwrite, they are not merged.
func (r *CategoryMappingRepository) Upsert(ctx context.Context, orgID, keyword, categoryURL string) error {
	query := `
		INSERT INTO expense_category_mappings (id, organization_id, keyword, category_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, keyword)
		DO UPDATE SET category_url = EXCLUDED.category_url, updated_at = NOW()
	`

	if _, err := r.db.Exec(ctx, query, uuid.NewString(), orgID, keyword, categoryURL); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert category mapping")
	}
	return nil
}
