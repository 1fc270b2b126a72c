package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
	"github.com/procurehq/be-purchase-orders/internal/repository"
)

type fakePOStore struct {
	created *repository.PurchaseOrder
	orders  map[string]*repository.PurchaseOrder
}

func newFakePOStore() *fakePOStore {
	return &fakePOStore{orders: make(map[string]*repository.PurchaseOrder)}
}

func (f *fakePOStore) Create(_ context.Context, po *repository.PurchaseOrder) error {
	po.ID = uuid.New().String()
	po.PONumber = "PO-00001"
	f.created = po
	f.orders[po.ID] = po
	return nil
}

func (f *fakePOStore) GetByID(_ context.Context, id, orgID string) (*repository.PurchaseOrder, error) {
	po, ok := f.orders[id]
	if !ok || po.OrganizationID != orgID {
		return nil, errors.NotFound("purchase order", id)
	}
	return po, nil
}

func (f *fakePOStore) UpdateStatus(_ context.Context, id, orgID string, status repository.POStatus) error {
	po, err := f.GetByID(context.Background(), id, orgID)
	if err != nil {
		return err
	}
	po.Status = status
	return nil
}

type poFixture struct {
	svc   *PurchaseOrderService
	store *fakePOStore
}

func newPOFixture(t *testing.T) *poFixture {
	t.Helper()

	org := &repository.Organization{ID: "org-1", ApprovalThreshold: decimal.NewFromInt(100)}
	directory := &fakeDirectory{
		orgs: map[string]*repository.Organization{"org-1": org},
		users: map[string]*repository.User{
			"viewer":  {ID: "viewer", OrganizationID: "org-1", Role: repository.RoleViewer},
			"manager": {ID: "manager", OrganizationID: "org-1", Role: repository.RoleManager},
			"super":   {ID: "super", OrganizationID: "org-1", Role: repository.RoleSuperAdmin},
		},
	}

	store := newFakePOStore()
	workflow := NewApprovalService(newFakeApprovalStore(), store, directory, &recordingNotifier{}, &recordingDispatcher{}, testLogger())
	return &poFixture{
		svc:   NewPurchaseOrderService(store, directory, workflow, testLogger()),
		store: store,
	}
}

func createInput() CreatePurchaseOrderInput {
	return CreatePurchaseOrderInput{
		OrganizationID: "org-1",
		RequesterID:    "manager",
		SupplierName:   "Acme Ltd",
		TaxMode:        repository.TaxExclusive,
		TaxRate:        decimal.NewFromInt(20),
		OrderDate:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PaymentTerms:   30,
		Lines: []CreateLineInput{
			{Description: "Laptop", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(40)},
		},
	}
}

func TestCreateSnapshotsExclusiveTax(t *testing.T) {
	f := newPOFixture(t)

	po, err := f.svc.Create(context.Background(), createInput())
	require.NoError(t, err)

	assert.Equal(t, repository.StatusDraft, po.Status)
	assert.True(t, po.Subtotal.Equal(decimal.NewFromInt(80)), "subtotal %s", po.Subtotal)
	assert.True(t, po.TaxAmount.Equal(decimal.NewFromInt(16)), "tax %s", po.TaxAmount)
	assert.True(t, po.TotalAmount.Equal(decimal.NewFromInt(96)), "total %s", po.TotalAmount)
	require.Len(t, po.Lines, 1)
	assert.True(t, po.Lines[0].LineTotal.Equal(decimal.NewFromInt(80)))
}

func TestCreateSnapshotsInclusiveTax(t *testing.T) {
	f := newPOFixture(t)

	in := createInput()
	in.TaxMode = repository.TaxInclusive
	in.Lines = []CreateLineInput{
		{Description: "Hosting", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(120)},
	}

	po, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)

	// The gross amount already contains the tax portion.
	assert.True(t, po.TotalAmount.Equal(decimal.NewFromInt(120)), "total %s", po.TotalAmount)
	assert.True(t, po.TaxAmount.Equal(decimal.NewFromInt(20)), "tax %s", po.TaxAmount)
}

func TestCreateWithoutTax(t *testing.T) {
	f := newPOFixture(t)

	in := createInput()
	in.TaxMode = repository.TaxNone
	in.TaxRate = decimal.Zero

	po, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)

	assert.True(t, po.TaxAmount.IsZero())
	assert.True(t, po.TotalAmount.Equal(po.Subtotal))
}

func TestCreateValidation(t *testing.T) {
	f := newPOFixture(t)

	tests := []struct {
		name   string
		mutate func(*CreatePurchaseOrderInput)
	}{
		{"missing supplier", func(in *CreatePurchaseOrderInput) { in.SupplierName = " " }},
		{"no lines", func(in *CreatePurchaseOrderInput) { in.Lines = nil }},
		{"blank description", func(in *CreatePurchaseOrderInput) { in.Lines[0].Description = "" }},
		{"zero quantity", func(in *CreatePurchaseOrderInput) { in.Lines[0].Quantity = decimal.Zero }},
		{"negative price", func(in *CreatePurchaseOrderInput) { in.Lines[0].UnitPrice = decimal.NewFromInt(-1) }},
		{"unknown tax mode", func(in *CreatePurchaseOrderInput) { in.TaxMode = "FLAT" }},
		{"negative tax rate", func(in *CreatePurchaseOrderInput) { in.TaxRate = decimal.NewFromInt(-5) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := createInput()
			tt.mutate(&in)
			_, err := f.svc.Create(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
		})
	}
}

func TestCreateRejectsViewer(t *testing.T) {
	f := newPOFixture(t)

	in := createInput()
	in.RequesterID = "viewer"
	_, err := f.svc.Create(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))
}

func TestCreateDirectApprove(t *testing.T) {
	f := newPOFixture(t)

	// Above the threshold a manager may not bypass the workflow.
	in := createInput()
	in.DirectApprove = true
	in.Lines[0].UnitPrice = decimal.NewFromInt(200)
	_, err := f.svc.Create(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeUnauthorized, errors.CodeOf(err))

	// A super admin is always allowed through.
	in.RequesterID = "super"
	po, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, po.Status)
}

func TestMarkStatusFollowsTransitionTable(t *testing.T) {
	f := newPOFixture(t)

	po, err := f.svc.Create(context.Background(), createInput())
	require.NoError(t, err)
	po.Status = repository.StatusApproved

	updated, err := f.svc.MarkStatus(context.Background(), po.ID, "org-1", repository.StatusSent)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusSent, updated.Status)

	_, err = f.svc.MarkStatus(context.Background(), po.ID, "org-1", repository.StatusInvoiced)
	require.Error(t, err, "SENT cannot jump straight to INVOICED")
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}
