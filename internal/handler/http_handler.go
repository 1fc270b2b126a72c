package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/procurehq/be-purchase-orders/internal/platform/errors"
	"github.com/procurehq/be-purchase-orders/internal/repository"
	"github.com/procurehq/be-purchase-orders/internal/service"
)

// HTTPHandler exposes the purchase order workflow over HTTP.
type HTTPHandler struct {
	orders   *service.PurchaseOrderService
	workflow *service.ApprovalService
	billing  *service.BillingService
	projects *service.ProjectSyncService
	log      zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	orders *service.PurchaseOrderService,
	workflow *service.ApprovalService,
	billing *service.BillingService,
	projects *service.ProjectSyncService,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		orders:   orders,
		workflow: workflow,
		billing:  billing,
		projects: projects,
		log:      log,
	}
}

// ── Purchase orders ──────────────────────────────────────────────────────────

// CreatePurchaseOrder handles POST /api/v1/purchase-orders.
func (h *HTTPHandler) CreatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	var in service.CreatePurchaseOrderInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	po, err := h.orders.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, po)
}

// GetPurchaseOrder handles GET /api/v1/purchase-orders/get.
func (h *HTTPHandler) GetPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	orgID := r.URL.Query().Get("organization_id")
	if id == "" || orgID == "" {
		http.Error(w, "Purchase order ID and organization ID are required", http.StatusBadRequest)
		return
	}

	po, err := h.orders.Get(r.Context(), id, orgID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, po)
}

// UpdatePurchaseOrderStatus handles POST /api/v1/purchase-orders/status.
func (h *HTTPHandler) UpdatePurchaseOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID             string `json:"id"`
		OrganizationID string `json:"organization_id"`
		Status         string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	po, err := h.orders.MarkStatus(r.Context(), req.ID, req.OrganizationID, repository.POStatus(req.Status))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, po)
}

// ── Approval workflow ────────────────────────────────────────────────────────

// SubmitForApproval handles POST /api/v1/purchase-orders/submit.
func (h *HTTPHandler) SubmitForApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID  string `json:"organization_id"`
		PurchaseOrderID string `json:"po_id"`
		RequesterID     string `json:"requester_id"`
		ApproverID      string `json:"approver_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	request, err := h.workflow.SubmitForApproval(r.Context(), req.OrganizationID, req.PurchaseOrderID, req.RequesterID, req.ApproverID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if request == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"auto_approved": true})
		return
	}
	h.writeJSON(w, http.StatusCreated, request)
}

// ApproveRequest handles POST /api/v1/approvals/approve.
func (h *HTTPHandler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organization_id"`
		RequestID      string `json:"request_id"`
		ApproverID     string `json:"approver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	po, err := h.workflow.Approve(r.Context(), req.OrganizationID, req.RequestID, req.ApproverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, po)
}

// DenyRequest handles POST /api/v1/approvals/deny.
func (h *HTTPHandler) DenyRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organization_id"`
		RequestID      string `json:"request_id"`
		ApproverID     string `json:"approver_id"`
		Reason         string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	po, err := h.workflow.Deny(r.Context(), req.OrganizationID, req.RequestID, req.ApproverID, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, po)
}

// CommentRequest handles POST /api/v1/approvals/comment.
func (h *HTTPHandler) CommentRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organization_id"`
		RequestID      string `json:"request_id"`
		ActorID        string `json:"actor_id"`
		Comment        string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.workflow.Comment(r.Context(), req.OrganizationID, req.RequestID, req.ActorID, req.Comment); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelRequest handles POST /api/v1/approvals/cancel.
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organization_id"`
		RequestID      string `json:"request_id"`
		RequesterID    string `json:"requester_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.workflow.Cancel(r.Context(), req.OrganizationID, req.RequestID, req.RequesterID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AuditTrail handles GET /api/v1/approvals/audit.
func (h *HTTPHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	requestID := r.URL.Query().Get("request_id")
	if orgID == "" || requestID == "" {
		http.Error(w, "Organization ID and request ID are required", http.StatusBadRequest)
		return
	}

	entries, err := h.workflow.AuditTrail(r.Context(), orgID, requestID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// PendingApprovals handles GET /api/v1/approvals/pending.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	approverID := r.URL.Query().Get("approver_id")
	if orgID == "" || approverID == "" {
		http.Error(w, "Organization ID and approver ID are required", http.StatusBadRequest)
		return
	}

	requests, err := h.workflow.PendingApprovals(r.Context(), orgID, approverID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

// ── Billing ──────────────────────────────────────────────────────────────────

// CreateBill handles POST /api/v1/bills.
func (h *HTTPHandler) CreateBill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID     string            `json:"organization_id"`
		PurchaseOrderID    string            `json:"po_id"`
		ActorID            string            `json:"actor_id"`
		CategoryOverrides  map[string]string `json:"category_overrides,omitempty"`
		PaymentTermsDays   *int              `json:"payment_terms_days,omitempty"`
		DueDate            *time.Time        `json:"due_date,omitempty"`
		ContactURLOverride string            `json:"contact_url,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ref, err := h.billing.CreateBillFromPurchaseOrder(r.Context(), service.CreateBillInput{
		OrganizationID:     req.OrganizationID,
		PurchaseOrderID:    req.PurchaseOrderID,
		ActorID:            req.ActorID,
		CategoryOverrides:  req.CategoryOverrides,
		PaymentTermsDays:   req.PaymentTermsDays,
		DueDate:            req.DueDate,
		ContactURLOverride: req.ContactURLOverride,
	})
	if err != nil {
		// The conflict path still carries the existing bill reference.
		if ref != nil && errors.IsCode(err, errors.ErrCodeConflict) {
			h.writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error": err.Error(),
				"bill":  ref,
			})
			return
		}
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, ref)
}

// LedgerStatus handles GET /api/v1/ledger/status.
func (h *HTTPHandler) LedgerStatus(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	if orgID == "" {
		http.Error(w, "Organization ID is required", http.StatusBadRequest)
		return
	}

	status, err := h.billing.CheckLedgerConnection(r.Context(), orgID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// GetBill handles GET /api/v1/bills/get.
func (h *HTTPHandler) GetBill(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	poID := r.URL.Query().Get("po_id")
	if orgID == "" || poID == "" {
		http.Error(w, "Organization ID and purchase order ID are required", http.StatusBadRequest)
		return
	}

	bill, err := h.billing.GetBill(r.Context(), orgID, poID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, bill)
}

// SuggestCategory handles GET /api/v1/categories/suggest.
func (h *HTTPHandler) SuggestCategory(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	description := r.URL.Query().Get("description")
	if orgID == "" || description == "" {
		http.Error(w, "Organization ID and description are required", http.StatusBadRequest)
		return
	}

	category, err := h.billing.SuggestCategory(r.Context(), orgID, description)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"category_url": category})
}

// ── Projects ─────────────────────────────────────────────────────────────────

// StartProjectSync handles POST /api/v1/projects/sync.
func (h *HTTPHandler) StartProjectSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organization_id"`
		ActorID        string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	syncLog, err := h.projects.StartSync(r.Context(), req.OrganizationID, req.ActorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, syncLog)
}

// ProjectSyncStatus handles GET /api/v1/projects/sync/status.
func (h *HTTPHandler) ProjectSyncStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	orgID := r.URL.Query().Get("organization_id")
	if id == "" || orgID == "" {
		http.Error(w, "Sync log ID and organization ID are required", http.StatusBadRequest)
		return
	}

	syncLog, err := h.projects.SyncStatus(r.Context(), id, orgID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, syncLog)
}

// ListProjects handles GET /api/v1/projects.
func (h *HTTPHandler) ListProjects(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("organization_id")
	if orgID == "" {
		http.Error(w, "Organization ID is required", http.StatusBadRequest)
		return
	}

	var status *repository.ProjectStatus
	if s := r.URL.Query().Get("status"); s != "" {
		ps := repository.ProjectStatus(s)
		status = &ps
	}
	var health *repository.HealthStatus
	if hs := r.URL.Query().Get("health"); hs != "" {
		hv := repository.HealthStatus(hs)
		health = &hv
	}

	projects, err := h.projects.ListProjects(r.Context(), orgID, status, health)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"projects": projects})
}

// ── Response helpers ─────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps service error codes onto HTTP statuses.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict:
		status = http.StatusConflict
	case errors.ErrCodeTokenReconnect:
		status = http.StatusUnprocessableEntity
	case errors.ErrCodeExternal:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(errors.CodeOf(err)),
	})
}
