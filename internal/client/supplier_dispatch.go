package client

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
	"github.com/procurehq/be-purchase-orders/internal/repository"
)

const supplierDispatchSubject = "po.dispatch.requested"

// SupplierDispatchClient hands approved purchase orders to the dispatch
// service over NATS. Rendering and email delivery live there; this client
// only enqueues the request.
type SupplierDispatchClient struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NewSupplierDispatchClient creates a dispatch client backed by the given
// NATS connection.
func NewSupplierDispatchClient(nc *nats.Conn, log zerolog.Logger) *SupplierDispatchClient {
	return &SupplierDispatchClient{nc: nc, log: log}
}

// DispatchToSupplier enqueues a send-to-supplier request for the purchase
// order. Unlike notifications this returns an error so the caller can
// decide how loudly to fail.
func (c *SupplierDispatchClient) DispatchToSupplier(_ context.Context, po *repository.PurchaseOrder) error {
	if c.nc == nil {
		return errors.New(errors.ErrCodeInternal, "dispatch connection is not configured")
	}

	msg := map[string]interface{}{
		"organization_id": po.OrganizationID,
		"po_id":           po.ID,
		"po_number":       po.PONumber,
		"supplier_name":   po.SupplierName,
	}
	if po.SupplierEmail != nil {
		msg["supplier_email"] = *po.SupplierEmail
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal dispatch request")
	}
	if err := c.nc.Publish(supplierDispatchSubject, data); err != nil {
		return errors.Wrap(err, errors.ErrCodeExternal, "failed to enqueue supplier dispatch")
	}

	c.log.Debug().Str("po_id", po.ID).Msg("dispatch: supplier send enqueued")
	return nil
}
