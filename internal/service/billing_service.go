package service

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/procurehq/be-purchase-orders/internal/freeagent"
	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
	"github.com/procurehq/be-purchase-orders/internal/repository"
)

const (
	billSubmitInitialDelay = 500 * time.Millisecond
	billSubmitMaxRetries   = 3 // four attempts total
	dateLayout             = "2006-01-02"
)

// BillingOrderStore is the slice of the PO repository bill creation needs.
type BillingOrderStore interface {
	GetByID(ctx context.Context, id, orgID string) (*repository.PurchaseOrder, error)
	CacheContactURL(ctx context.Context, id, orgID, contactURL string) error
	RecordBill(ctx context.Context, id, orgID, billID, billURL string, createdAt time.Time, paymentTermsDays *int) error
}

// LedgerClient is the subset of the ledger API used for bill creation.
type LedgerClient interface {
	ListCategories(ctx context.Context) ([]freeagent.Category, error)
	FindContactByEmail(ctx context.Context, email string) (*freeagent.Contact, error)
	FindContactByName(ctx context.Context, name string) (*freeagent.Contact, error)
	CreateContact(ctx context.Context, contact freeagent.Contact) (*freeagent.Contact, error)
	UpdateContact(ctx context.Context, contact freeagent.Contact) error
	CreateBill(ctx context.Context, bill freeagent.Bill) (*freeagent.Bill, error)
	GetBill(ctx context.Context, billURL string) (*freeagent.Bill, error)
	GetCompany(ctx context.Context) (*freeagent.Company, error)
}

// LedgerClientFactory builds a per-organization ledger client bound to that
// organization's token refresh path.
type LedgerClientFactory interface {
	ForOrganization(org *repository.Organization) LedgerClient
}

// BillingNotifier announces created bills. Non-fatal.
type BillingNotifier interface {
	BillCreated(ctx context.Context, po *repository.PurchaseOrder, billID, billURL string)
}

// BillRef identifies a bill in the ledger.
type BillRef struct {
	BillID    string
	BillURL   string
	CreatedAt time.Time
}

// CreateBillInput carries the caller-supplied knobs for bill creation.
type CreateBillInput struct {
	OrganizationID  string
	PurchaseOrderID string
	ActorID         string

	// CategoryOverrides maps a line description to a category URL chosen
	// manually by the caller, taking precedence over stored mappings.
	CategoryOverrides map[string]string

	PaymentTermsDays   *int
	DueDate            *time.Time
	ContactURLOverride string
}

// BillingService mirrors approved-and-invoiced purchase orders into the
// ledger as bills: contact matching, tax-snapshot transformation,
// idempotency guard and retry-with-backoff submission.
type BillingService struct {
	orders    BillingOrderStore
	directory DirectoryStore
	ledgers   LedgerClientFactory
	mapper    *CategoryMapper
	notifier  BillingNotifier
	log       zerolog.Logger
}

// NewBillingService creates a new BillingService.
func NewBillingService(
	orders BillingOrderStore,
	directory DirectoryStore,
	ledgers LedgerClientFactory,
	mapper *CategoryMapper,
	notifier BillingNotifier,
	log zerolog.Logger,
) *BillingService {
	return &BillingService{
		orders:    orders,
		directory: directory,
		ledgers:   ledgers,
		mapper:    mapper,
		notifier:  notifier,
		log:       log,
	}
}

// CreateBillFromPurchaseOrder creates exactly one ledger bill for an
// INVOICED purchase order. Preconditions are checked in a fixed order, each
// with a distinct failure. When a bill already exists the existing
// reference is returned alongside the conflict so callers can surface it.
func (s *BillingService) CreateBillFromPurchaseOrder(ctx context.Context, in CreateBillInput) (*BillRef, error) {
	actor, err := s.directory.GetUser(ctx, in.ActorID, in.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.AtLeast(repository.RoleManager) {
		return nil, errors.New(errors.ErrCodeUnauthorized, "bill creation requires the MANAGER role or above")
	}

	org, err := s.directory.GetByID(ctx, in.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !org.LedgerConnected() {
		return nil, errors.New(errors.ErrCodeTokenReconnect, "ledger is not connected for this organization")
	}

	po, err := s.orders.GetByID(ctx, in.PurchaseOrderID, in.OrganizationID)
	if err != nil {
		return nil, err
	}

	// Idempotency guard: once a bill reference has landed on the PO, every
	// later attempt short-circuits here.
	if po.FreeAgentBillID != nil {
		return existingRef(po), errors.Newf(errors.ErrCodeConflict,
			"a bill already exists for purchase order %s", po.PONumber)
	}

	if po.Status != repository.StatusInvoiced {
		return nil, errors.Newf(errors.ErrCodeConflict,
			"bills can only be created for INVOICED purchase orders (status: %s)", po.Status)
	}

	ledger := s.ledgers.ForOrganization(org)

	categories, err := ledger.ListCategories(ctx)
	if err != nil {
		return nil, err
	}

	lineCategories, missing, err := s.resolveLineCategories(ctx, po, in.CategoryOverrides, categories)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidInput,
			"no expense category could be resolved for: %s", strings.Join(missing, "; "))
	}

	contactURL, err := s.resolveContact(ctx, ledger, po, in.ContactURLOverride)
	if err != nil {
		return nil, err
	}

	datedOn, dueOn := s.computeDates(po, in.PaymentTermsDays, in.DueDate)
	bill := s.buildBill(po, contactURL, lineCategories, datedOn, dueOn)

	created, err := s.submitWithRetry(ctx, ledger, bill)
	if err != nil {
		return nil, err
	}

	createdAt := time.Now()
	if err := s.orders.RecordBill(ctx, po.ID, po.OrganizationID, created.ID(), created.URL, createdAt, in.PaymentTermsDays); err != nil {
		// A concurrent attempt won the compare-and-set; surface its bill.
		if errors.IsCode(err, errors.ErrCodeConflict) {
			if current, getErr := s.orders.GetByID(ctx, po.ID, po.OrganizationID); getErr == nil && current.FreeAgentBillID != nil {
				return existingRef(current), err
			}
		}
		return nil, err
	}

	learned := make([]LearnedLine, 0, len(po.Lines))
	for _, line := range po.Lines {
		learned = append(learned, LearnedLine{Description: line.Description, CategoryURL: lineCategories[line.ID]})
	}
	s.mapper.LearnMappings(ctx, po.OrganizationID, learned)

	s.notifier.BillCreated(ctx, po, created.ID(), created.URL)

	s.log.Info().
		Str("po_id", po.ID).
		Str("po_number", po.PONumber).
		Str("bill_id", created.ID()).
		Msg("Ledger bill created")

	return &BillRef{BillID: created.ID(), BillURL: created.URL, CreatedAt: createdAt}, nil
}

// LedgerStatus reports whether the organization's ledger connection is
// usable by fetching its company record. Errors rather than a boolean so
// callers can distinguish "reconnect required" from a transient outage.
type LedgerStatus struct {
	Connected   bool   `json:"connected"`
	CompanyName string `json:"company_name,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

// CheckLedgerConnection probes the ledger with the organization's stored
// credentials.
func (s *BillingService) CheckLedgerConnection(ctx context.Context, orgID string) (*LedgerStatus, error) {
	org, err := s.directory.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !org.LedgerConnected() {
		return &LedgerStatus{Connected: false}, nil
	}

	company, err := s.ledgers.ForOrganization(org).GetCompany(ctx)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeTokenReconnect) {
			return &LedgerStatus{Connected: false}, nil
		}
		return nil, err
	}
	return &LedgerStatus{Connected: true, CompanyName: company.Name, Currency: company.Currency}, nil
}

// GetBill fetches the live ledger bill linked to a purchase order, for
// callers surfacing its current payment state.
func (s *BillingService) GetBill(ctx context.Context, orgID, poID string) (*freeagent.Bill, error) {
	org, err := s.directory.GetByID(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !org.LedgerConnected() {
		return nil, errors.New(errors.ErrCodeTokenReconnect, "ledger is not connected for this organization")
	}

	po, err := s.orders.GetByID(ctx, poID, orgID)
	if err != nil {
		return nil, err
	}
	if po.FreeAgentBillURL == nil {
		return nil, errors.NotFound("bill for purchase order", po.PONumber)
	}
	return s.ledgers.ForOrganization(org).GetBill(ctx, *po.FreeAgentBillURL)
}

// SuggestCategory resolves one description against the organization's live
// category list, for callers previewing a bill before creating it.
func (s *BillingService) SuggestCategory(ctx context.Context, orgID, description string) (string, error) {
	org, err := s.directory.GetByID(ctx, orgID)
	if err != nil {
		return "", err
	}
	if !org.LedgerConnected() {
		return "", errors.New(errors.ErrCodeTokenReconnect, "ledger is not connected for this organization")
	}
	categories, err := s.ledgers.ForOrganization(org).ListCategories(ctx)
	if err != nil {
		return "", err
	}
	return s.mapper.SuggestCategory(ctx, description, orgID, categories)
}

// ── Category resolution ───────────────────────────────────────────────────────

// resolveLineCategories maps every line to a category URL: explicit override
// first, then stored mappings and the built-in table. Lines that resolve to
// nothing are collected so the validation error can name them.
func (s *BillingService) resolveLineCategories(ctx context.Context, po *repository.PurchaseOrder, overrides map[string]string, categories []freeagent.Category) (map[string]string, []string, error) {
	resolved := make(map[string]string, len(po.Lines))
	var missing []string

	for _, line := range po.Lines {
		if url, ok := overrides[line.Description]; ok && url != "" {
			resolved[line.ID] = url
			continue
		}
		url, err := s.mapper.SuggestCategory(ctx, line.Description, po.OrganizationID, categories)
		if err != nil {
			return nil, nil, err
		}
		if url == "" {
			missing = append(missing, line.Description)
			continue
		}
		resolved[line.ID] = url
	}

	return resolved, missing, nil
}

// ── Contact resolution ────────────────────────────────────────────────────────

// resolveContact picks the ledger contact in precedence order: explicit
// override, the PO's cached contact, match-by-email, match-by-name, then
// create-new. Whichever URL is used is cached back onto the PO.
func (s *BillingService) resolveContact(ctx context.Context, ledger LedgerClient, po *repository.PurchaseOrder, override string) (string, error) {
	if override != "" {
		s.cacheContact(ctx, po, override)
		return override, nil
	}
	if po.FreeAgentContactURL != nil && *po.FreeAgentContactURL != "" {
		return *po.FreeAgentContactURL, nil
	}

	if po.SupplierEmail != nil {
		contact, err := ledger.FindContactByEmail(ctx, *po.SupplierEmail)
		if err != nil {
			return "", err
		}
		if contact != nil {
			s.cacheContact(ctx, po, contact.URL)
			return contact.URL, nil
		}
	}

	contact, err := ledger.FindContactByName(ctx, po.SupplierName)
	if err != nil {
		return "", err
	}
	if contact != nil {
		// Backfill the email onto a name-matched contact so the next order
		// matches on the stronger key.
		if po.SupplierEmail != nil && contact.Email == "" {
			contact.Email = *po.SupplierEmail
			if err := ledger.UpdateContact(ctx, *contact); err != nil {
				s.log.Warn().Err(err).Str("contact_url", contact.URL).Msg("Failed to backfill contact email")
			}
		}
		s.cacheContact(ctx, po, contact.URL)
		return contact.URL, nil
	}

	newContact := freeagent.Contact{OrganisationName: po.SupplierName}
	if po.SupplierEmail != nil {
		newContact.Email = *po.SupplierEmail
	}
	created, err := ledger.CreateContact(ctx, newContact)
	if err != nil {
		return "", err
	}
	s.cacheContact(ctx, po, created.URL)
	return created.URL, nil
}

func (s *BillingService) cacheContact(ctx context.Context, po *repository.PurchaseOrder, contactURL string) {
	if po.FreeAgentContactURL != nil && *po.FreeAgentContactURL == contactURL {
		return
	}
	if err := s.orders.CacheContactURL(ctx, po.ID, po.OrganizationID, contactURL); err != nil {
		s.log.Warn().Err(err).Str("po_id", po.ID).Msg("Failed to cache contact URL")
	}
	po.FreeAgentContactURL = &contactURL
}

// ── Dates ─────────────────────────────────────────────────────────────────────

// computeDates derives the bill's dated-on and due-on dates. The due date is
// the explicit one when supplied, otherwise invoice-received (or order)
// date plus payment terms; it never precedes the dated-on date.
func (s *BillingService) computeDates(po *repository.PurchaseOrder, paymentTermsDays *int, explicitDue *time.Time) (datedOn, dueOn time.Time) {
	datedOn = po.OrderDate
	if po.InvoiceReceivedAt != nil {
		datedOn = *po.InvoiceReceivedAt
	}

	if explicitDue != nil {
		dueOn = *explicitDue
	} else {
		terms := po.PaymentTermsDays
		if paymentTermsDays != nil {
			terms = *paymentTermsDays
		}
		dueOn = datedOn.AddDate(0, 0, terms)
	}

	if dueOn.Before(datedOn) {
		dueOn = datedOn
	}
	return datedOn, dueOn
}

// ── Payload ───────────────────────────────────────────────────────────────────

// buildBill transforms the purchase order into the ledger payload. Subtotal,
// tax rate and totals come from the PO's own snapshotted fields; they are
// never recomputed from current tax-rate definitions.
func (s *BillingService) buildBill(po *repository.PurchaseOrder, contactURL string, lineCategories map[string]string, datedOn, dueOn time.Time) freeagent.Bill {
	bill := freeagent.Bill{
		Contact:    contactURL,
		Reference:  po.PONumber,
		DatedOn:    datedOn.Format(dateLayout),
		DueOn:      dueOn.Format(dateLayout),
		TotalValue: po.TotalAmount.String(),
		Comments:   "Created from purchase order " + po.PONumber,
	}
	if po.TaxMode != repository.TaxNone {
		bill.SalesTaxRate = po.TaxRate.String()
	}

	for _, line := range po.Lines {
		item := freeagent.BillItem{
			Category:    lineCategories[line.ID],
			Description: line.Description,
			TotalValue:  line.LineTotal.String(),
		}
		if po.TaxMode != repository.TaxNone {
			item.SalesTaxRate = po.TaxRate.String()
		}
		bill.BillItems = append(bill.BillItems, item)
	}

	return bill
}

// ── Submission ────────────────────────────────────────────────────────────────

// submitWithRetry submits the bill through exponential backoff. A 4xx
// rejection cannot succeed on retry and is propagated immediately.
func (s *BillingService) submitWithRetry(ctx context.Context, ledger LedgerClient, bill freeagent.Bill) (*freeagent.Bill, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = billSubmitInitialDelay

	var created *freeagent.Bill
	operation := func() error {
		var err error
		created, err = ledger.CreateBill(ctx, bill)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeInvalidInput) {
				return backoff.Permanent(err)
			}
			s.log.Warn().Err(err).Str("reference", bill.Reference).Msg("Bill submission failed; retrying")
			return err
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, billSubmitMaxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return created, nil
}

func existingRef(po *repository.PurchaseOrder) *BillRef {
	ref := &BillRef{}
	if po.FreeAgentBillID != nil {
		ref.BillID = *po.FreeAgentBillID
	}
	if po.FreeAgentBillURL != nil {
		ref.BillURL = *po.FreeAgentBillURL
	}
	if po.FreeAgentBillCreatedAt != nil {
		ref.CreatedAt = *po.FreeAgentBillCreatedAt
	}
	return ref
}
