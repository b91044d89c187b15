package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"bling-sync-api/internal/model"
	"bling-sync-api/internal/service"
	"bling-sync-api/pkg/response"
)

const maxWebhookBody = 1 << 20

// Enqueuer turns a notification into a queued task. service.Ingestor implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, account string, body []byte) (*model.Task, error)
	QueueSize(ctx context.Context) (int, error)
}

// WebhookHandler receives ERP event notifications.
type WebhookHandler struct {
	ingestor Enqueuer
	log      *zap.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(ingestor Enqueuer, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{ingestor: ingestor, log: log.Named("Webhook")}
}

type webhookStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	QueueSize *int   `json:"queue_size,omitempty"`
}

type webhookMessage struct {
	Message string `json:"message"`
}

// Receive handles POST /webhook-bling?conta=<account>. It only validates and
// queues; the notification is processed later by the workers.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("conta")
	if account == "" {
		h.log.Error("webhook without account parameter", zap.String("remote_addr", r.RemoteAddr))
		response.Raw(w, http.StatusBadRequest, webhookStatus{Status: "error", Message: "missing 'conta' parameter"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		response.Raw(w, http.StatusBadRequest, webhookStatus{Status: "error", Message: "unreadable body"})
		return
	}

	task, err := h.ingestor.Enqueue(r.Context(), account, body)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrNoEntityID):
		response.Raw(w, http.StatusOK, webhookMessage{Message: "entity id not found"})
		return
	case errors.Is(err, service.ErrMissingAccount):
		response.Raw(w, http.StatusBadRequest, webhookStatus{Status: "error", Message: "missing 'conta' parameter"})
		return
	case errors.Is(err, service.ErrInvalidPayload):
		response.Raw(w, http.StatusBadRequest, webhookStatus{Status: "error", Message: err.Error()})
		return
	default:
		h.log.Error("failed to queue notification", zap.String("account", account), zap.Error(err))
		response.Raw(w, http.StatusServiceUnavailable, webhookStatus{Status: "error", Message: "queue unavailable"})
		return
	}

	resp := webhookStatus{Status: "queued", TaskID: task.ID}
	if n, err := h.ingestor.QueueSize(r.Context()); err == nil {
		resp.QueueSize = &n
	}
	response.Raw(w, http.StatusOK, resp)
}
