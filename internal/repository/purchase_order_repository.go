package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/procurehq/be-purchase-orders/internal/platform/database"
	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
)

// PurchaseOrderRepository handles purchase order persistence.
type PurchaseOrderRepository struct {
	db *database.DB
}

// NewPurchaseOrderRepository creates a new PurchaseOrderRepository.
func NewPurchaseOrderRepository(db *database.DB) *PurchaseOrderRepository {
	return &PurchaseOrderRepository{db: db}
}

// Create inserts a purchase order with its lines in one transaction. The PO
// number is drawn from an organization-scoped counter inside the same
// transaction, so numbers are atomic and never reused.
func (r *PurchaseOrderRepository) Create(ctx context.Context, po *PurchaseOrder) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var seq int64
		err := tx.QueryRow(ctx, `
			INSERT INTO po_counters (organization_id, next_number)
			VALUES ($1, 2)
			ON CONFLICT (organization_id)
			DO UPDATE SET next_number = po_counters.next_number + 1
			RETURNING next_number - 1
		`, po.OrganizationID).Scan(&seq)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to allocate PO number")
		}
		po.PONumber = fmt.Sprintf("PO-%05d", seq)

		po.ID = uuid.NewString()
		query := `
			INSERT INTO purchase_orders
			    (id, organization_id, po_number, created_by, status,
			     supplier_name, supplier_email, project_id,
			     subtotal, tax_mode, tax_rate, tax_amount, total_amount, currency,
			     order_date, invoice_received_at, payment_terms_days,
			     freeagent_contact_url)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			RETURNING created_at, updated_at
		`
		err = tx.QueryRow(ctx, query,
			po.ID,
			po.OrganizationID,
			po.PONumber,
			po.CreatedBy,
			po.Status,
			po.SupplierName,
			po.SupplierEmail,
			po.ProjectID,
			po.Subtotal,
			po.TaxMode,
			po.TaxRate,
			po.TaxAmount,
			po.TotalAmount,
			po.Currency,
			po.OrderDate,
			po.InvoiceReceivedAt,
			po.PaymentTermsDays,
			po.FreeAgentContactURL,
		).Scan(&po.CreatedAt, &po.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create purchase order")
		}

		for _, line := range po.Lines {
			line.ID = uuid.NewString()
			line.PurchaseOrderID = po.ID
			_, err := tx.Exec(ctx, `
				INSERT INTO purchase_order_lines
				    (id, purchase_order_id, line_number, description, quantity, unit_price, line_total)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`,
				line.ID,
				line.PurchaseOrderID,
				line.LineNumber,
				line.Description,
				line.Quantity,
				line.UnitPrice,
				line.LineTotal,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create purchase order line")
			}
		}

		return nil
	})
}

// GetByID retrieves a purchase order with its lines, scoped to the
// organization.
func (r *PurchaseOrderRepository) GetByID(ctx context.Context, id, orgID string) (*PurchaseOrder, error) {
	query := `
		SELECT id, organization_id, po_number, created_by, status,
		       supplier_name, supplier_email, project_id,
		       subtotal, tax_mode, tax_rate, tax_amount, total_amount, currency,
		       order_date, invoice_received_at, payment_terms_days,
		       freeagent_contact_url, freeagent_bill_id, freeagent_bill_url, freeagent_bill_created_at,
		       created_at, updated_at
		FROM purchase_orders
		WHERE id = $1 AND organization_id = $2
	`

	po := &PurchaseOrder{}
	err := r.db.QueryRow(ctx, query, id, orgID).Scan(
		&po.ID,
		&po.OrganizationID,
		&po.PONumber,
		&po.CreatedBy,
		&po.Status,
		&po.SupplierName,
		&po.SupplierEmail,
		&po.ProjectID,
		&po.Subtotal,
		&po.TaxMode,
		&po.TaxRate,
		&po.TaxAmount,
		&po.TotalAmount,
		&po.Currency,
		&po.OrderDate,
		&po.InvoiceReceivedAt,
		&po.PaymentTermsDays,
		&po.FreeAgentContactURL,
		&po.FreeAgentBillID,
		&po.FreeAgentBillURL,
		&po.FreeAgentBillCreatedAt,
		&po.CreatedAt,
		&po.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("purchase order", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get purchase order")
	}

	lines, err := r.GetLines(ctx, po.ID)
	if err != nil {
		return nil, err
	}
	po.Lines = lines

	return po, nil
}

// GetLines retrieves all lines of a purchase order ordered by line number.
func (r *PurchaseOrderRepository) GetLines(ctx context.Context, poID string) ([]*PurchaseOrderLine, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, purchase_order_id, line_number, description, quantity, unit_price, line_total
		FROM purchase_order_lines
		WHERE purchase_order_id = $1
		ORDER BY line_number
	`, poID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get purchase order lines")
	}
	defer rows.Close()

	lines := make([]*PurchaseOrderLine, 0)
	for rows.Next() {
		line := &PurchaseOrderLine{}
		err := rows.Scan(
			&line.ID,
			&line.PurchaseOrderID,
			&line.LineNumber,
			&line.Description,
			&line.Quantity,
			&line.UnitPrice,
			&line.LineTotal,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan purchase order line")
		}
		lines = append(lines, line)
	}

	return lines, nil
}

// UpdateStatus sets the status of a purchase order. Transition legality is
// enforced by the services through POStatus.CanTransitionTo before calling.
func (r *PurchaseOrderRepository) UpdateStatus(ctx context.Context, id, orgID string, status POStatus) error {
	query := `
		UPDATE purchase_orders
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, orgID, status).Scan(&returnedID)

	if err == pgx.ErrNoRows {
		return errors.NotFound("purchase order", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update purchase order status")
	}

	return nil
}

// CacheContactURL stores the resolved ledger contact URL on the purchase
// order so repeated bill attempts skip contact re-matching.
func (r *PurchaseOrderRepository) CacheContactURL(ctx context.Context, id, orgID, contactURL string) error {
	query := `
		UPDATE purchase_orders
		SET freeagent_contact_url = $3, updated_at = NOW()
		WHERE id = $1 AND organization_id = $2
	`

	if _, err := r.db.Exec(ctx, query, id, orgID, contactURL); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to cache contact URL")
	}
	return nil
}

// RecordBill writes the created bill reference exactly once. The WHERE
// clause is the compare-and-set that makes duplicate submission under
// concurrency a clean conflict instead of a second remote bill.
func (r *PurchaseOrderRepository) RecordBill(ctx context.Context, id, orgID, billID, billURL string, createdAt time.Time, paymentTermsDays *int) error {
	query := `
		UPDATE purchase_orders
		SET freeagent_bill_id = $3,
		    freeagent_bill_url = $4,
		    freeagent_bill_created_at = $5,
		    payment_terms_days = COALESCE($6, payment_terms_days),
		    updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND freeagent_bill_id IS NULL
	`

	tag, err := r.db.Exec(ctx, query, id, orgID, billID, billURL, createdAt, paymentTermsDays)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record bill reference")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrCodeConflict, "a bill has already been recorded for purchase order %s", id)
	}

	return nil
}

// ProjectTotals aggregates stored PO totals per project for one
// organization. Cancelled orders are excluded; amounts come from the POs'
// snapshotted totals, never recomputed.
func (r *PurchaseOrderRepository) ProjectTotals(ctx context.Context, orgID string) (map[string]decimal.Decimal, error) {
	rows, err := r.db.Query(ctx, `
		SELECT project_id, COALESCE(SUM(total_amount), 0)
		FROM purchase_orders
		WHERE organization_id = $1 AND project_id IS NOT NULL AND status <> 'CANCELLED'
		GROUP BY project_id
	`, orgID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to aggregate purchase order totals")
	}
	defer rows.Close()

	totals := make(map[string]decimal.Decimal)
	for rows.Next() {
		var projectID string
		var total decimal.Decimal
		if err := rows.Scan(&projectID, &total); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan project totals")
		}
		totals[projectID] = total
	}

	return totals, nil
}
