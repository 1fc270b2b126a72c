package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/procurehq/be-purchase-orders/internal/repository"
)

// NotificationPublisher publishes purchase order workflow events to NATS
// for consumption by the notifications service.
//
// Subject convention: notifications.po.<event_type>
// Event types: approval_requested, approval_granted, approval_denied,
//              bill_created
//
// All publish operations are non-fatal — errors are logged but never
// propagated to the caller, so notification failures never interrupt
// workflow operations.
type NotificationPublisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType      string                 `json:"event_type"`
	OrganizationID string                 `json:"organization_id"`
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id"`
	Recipients     []string               `json:"recipients,omitempty"`
	Severity       string                 `json:"severity,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection disables publishing.
func NewNotificationPublisher(nc *nats.Conn, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nc: nc, log: log}
}

// ApprovalRequested announces that a purchase order awaits approval.
func (p *NotificationPublisher) ApprovalRequested(ctx context.Context, req *repository.ApprovalRequest, po *repository.PurchaseOrder) {
	recipients := []string{}
	if req.ApproverID != nil {
		recipients = append(recipients, *req.ApproverID)
	}
	p.publish(ctx, "approval_requested", po, recipients, map[string]interface{}{
		"request_id":   req.ID,
		"requester_id": req.RequesterID,
		"po_number":    po.PONumber,
		"subtotal":     po.Subtotal.String(),
	})
}

// ApprovalGranted announces an approval back to the requester.
func (p *NotificationPublisher) ApprovalGranted(ctx context.Context, req *repository.ApprovalRequest, po *repository.PurchaseOrder) {
	p.publish(ctx, "approval_granted", po, []string{req.RequesterID}, map[string]interface{}{
		"request_id": req.ID,
		"po_number":  po.PONumber,
	})
}

// ApprovalDenied announces a denial, with the approver's reason, back to
// the requester.
func (p *NotificationPublisher) ApprovalDenied(ctx context.Context, req *repository.ApprovalRequest, po *repository.PurchaseOrder, reason string) {
	p.publish(ctx, "approval_denied", po, []string{req.RequesterID}, map[string]interface{}{
		"request_id": req.ID,
		"po_number":  po.PONumber,
		"reason":     reason,
	})
}

// BillCreated announces that a ledger bill now exists for the purchase order.
func (p *NotificationPublisher) BillCreated(ctx context.Context, po *repository.PurchaseOrder, billID, billURL string) {
	p.publish(ctx, "bill_created", po, nil, map[string]interface{}{
		"po_number": po.PONumber,
		"bill_id":   billID,
		"bill_url":  billURL,
	})
}

func (p *NotificationPublisher) publish(_ context.Context, eventType string, po *repository.PurchaseOrder, recipients []string, payload map[string]interface{}) {
	if p.nc == nil {
		return
	}

	event := &NotificationEvent{
		EventType:      eventType,
		OrganizationID: po.OrganizationID,
		ResourceType:   "purchase_order",
		ResourceID:     po.ID,
		Recipients:     recipients,
		Severity:       "info",
		Payload:        payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.po.%s", eventType)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("po_id", po.ID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("po_id", po.ID).
		Msg("notification: event published")
}
