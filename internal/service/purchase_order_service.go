package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
	"github.com/procurehq/be-purchase-orders/internal/repository"
)

// PurchaseOrderStore persists purchase orders with their lines.
type PurchaseOrderStore interface {
	Create(ctx context.Context, po *repository.PurchaseOrder) error
	GetByID(ctx context.Context, id, orgID string) (*repository.PurchaseOrder, error)
	UpdateStatus(ctx context.Context, id, orgID string, status repository.POStatus) error
}

// CreateLineInput is one requested purchase order line.
type CreateLineInput struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// CreatePurchaseOrderInput carries a purchase order creation request.
type CreatePurchaseOrderInput struct {
	OrganizationID string            `json:"organization_id"`
	RequesterID    string            `json:"requester_id"`
	SupplierName   string            `json:"supplier_name"`
	SupplierEmail  *string           `json:"supplier_email,omitempty"`
	ProjectID      *string           `json:"project_id,omitempty"`
	Currency       string            `json:"currency"`
	TaxMode        repository.TaxMode `json:"tax_mode"`
	TaxRate        decimal.Decimal   `json:"tax_rate"`
	OrderDate      time.Time         `json:"order_date"`
	PaymentTerms   int               `json:"payment_terms_days"`
	Lines          []CreateLineInput `json:"lines"`

	// DirectApprove requests the order be created already APPROVED, which
	// the workflow engine only permits when no approval would be required.
	DirectApprove bool `json:"direct_approve"`
}

// PurchaseOrderService owns purchase order creation: input validation, the
// tax snapshot and the initial status.
type PurchaseOrderService struct {
	orders    PurchaseOrderStore
	directory DirectoryStore
	workflow  *ApprovalService
	log       zerolog.Logger
}

// NewPurchaseOrderService creates a new PurchaseOrderService.
func NewPurchaseOrderService(orders PurchaseOrderStore, directory DirectoryStore, workflow *ApprovalService, log zerolog.Logger) *PurchaseOrderService {
	return &PurchaseOrderService{
		orders:    orders,
		directory: directory,
		workflow:  workflow,
		log:       log,
	}
}

// Create validates the request, snapshots the tax figures and persists the
// order. Orders start as DRAFT; with DirectApprove set, the workflow engine
// must first confirm that no approval would be required, and the order is
// then created as APPROVED.
func (s *PurchaseOrderService) Create(ctx context.Context, in CreatePurchaseOrderInput) (*repository.PurchaseOrder, error) {
	if err := validateCreateInput(in); err != nil {
		return nil, err
	}

	user, err := s.directory.GetUser(ctx, in.RequesterID, in.OrganizationID)
	if err != nil {
		return nil, err
	}
	org, err := s.directory.GetByID(ctx, in.OrganizationID)
	if err != nil {
		return nil, err
	}

	lines := make([]*repository.PurchaseOrderLine, 0, len(in.Lines))
	subtotal := decimal.Zero
	for i, l := range in.Lines {
		lineTotal := l.Quantity.Mul(l.UnitPrice).Round(2)
		subtotal = subtotal.Add(lineTotal)
		lines = append(lines, &repository.PurchaseOrderLine{
			LineNumber:  i + 1,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			LineTotal:   lineTotal,
		})
	}

	status := repository.StatusDraft
	if in.DirectApprove {
		if err := s.workflow.AuthorizeDirectCreate(user, org, subtotal); err != nil {
			return nil, err
		}
		status = repository.StatusApproved
	} else {
		// VIEWER may not create even a draft.
		if _, err := s.workflow.DecideApprovalRequirement(user, org, subtotal); err != nil {
			return nil, err
		}
	}

	taxAmount, total := snapshotTax(subtotal, in.TaxMode, in.TaxRate)

	orderDate := in.OrderDate
	if orderDate.IsZero() {
		orderDate = time.Now()
	}
	currency := in.Currency
	if currency == "" {
		currency = "GBP"
	}

	po := &repository.PurchaseOrder{
		OrganizationID:   in.OrganizationID,
		CreatedBy:        in.RequesterID,
		Status:           status,
		SupplierName:     in.SupplierName,
		SupplierEmail:    in.SupplierEmail,
		ProjectID:        in.ProjectID,
		Subtotal:         subtotal,
		TaxMode:          in.TaxMode,
		TaxRate:          in.TaxRate,
		TaxAmount:        taxAmount,
		TotalAmount:      total,
		Currency:         currency,
		OrderDate:        orderDate,
		PaymentTermsDays: in.PaymentTerms,
		Lines:            lines,
	}

	if err := s.orders.Create(ctx, po); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("po_id", po.ID).
		Str("po_number", po.PONumber).
		Str("status", string(po.Status)).
		Msg("Purchase order created")

	return po, nil
}

// Get loads a purchase order with its lines.
func (s *PurchaseOrderService) Get(ctx context.Context, id, orgID string) (*repository.PurchaseOrder, error) {
	return s.orders.GetByID(ctx, id, orgID)
}

// MarkStatus moves the order along its lifecycle outside the approval flow
// (APPROVED→SENT→RECEIVED→INVOICED and cancellation). Illegal transitions
// are rejected by the status table.
func (s *PurchaseOrderService) MarkStatus(ctx context.Context, id, orgID string, next repository.POStatus) (*repository.PurchaseOrder, error) {
	po, err := s.orders.GetByID(ctx, id, orgID)
	if err != nil {
		return nil, err
	}
	if !po.Status.CanTransitionTo(next) {
		return nil, errors.Newf(errors.ErrCodeConflict,
			"purchase order cannot move from %s to %s", po.Status, next)
	}
	if err := s.orders.UpdateStatus(ctx, id, orgID, next); err != nil {
		return nil, err
	}
	po.Status = next
	return po, nil
}

// snapshotTax computes the tax amount and grand total for the chosen mode.
// INCLUSIVE treats the subtotal as already containing tax; EXCLUSIVE adds
// tax on top.
func snapshotTax(subtotal decimal.Decimal, mode repository.TaxMode, rate decimal.Decimal) (taxAmount, total decimal.Decimal) {
	switch mode {
	case repository.TaxExclusive:
		taxAmount = subtotal.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
		total = subtotal.Add(taxAmount)
	case repository.TaxInclusive:
		divisor := decimal.NewFromInt(1).Add(rate.Div(decimal.NewFromInt(100)))
		net := subtotal.Div(divisor).Round(2)
		taxAmount = subtotal.Sub(net)
		total = subtotal
	default:
		taxAmount = decimal.Zero
		total = subtotal
	}
	return taxAmount, total
}

func validateCreateInput(in CreatePurchaseOrderInput) error {
	if strings.TrimSpace(in.SupplierName) == "" {
		return errors.InvalidInput("supplier_name", "supplier name is required")
	}
	if len(in.Lines) == 0 {
		return errors.InvalidInput("lines", "at least one line is required")
	}
	for _, l := range in.Lines {
		if strings.TrimSpace(l.Description) == "" {
			return errors.InvalidInput("lines", "line descriptions are required")
		}
		if !l.Quantity.IsPositive() {
			return errors.InvalidInput("lines", "line quantities must be positive")
		}
		if l.UnitPrice.IsNegative() {
			return errors.InvalidInput("lines", "line unit prices cannot be negative")
		}
	}
	switch in.TaxMode {
	case repository.TaxNone, repository.TaxExclusive, repository.TaxInclusive, "":
	default:
		return errors.InvalidInput("tax_mode", "tax mode must be NONE, EXCLUSIVE or INCLUSIVE")
	}
	if in.TaxRate.IsNegative() {
		return errors.InvalidInput("tax_rate", "tax rate cannot be negative")
	}
	return nil
}
