package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"bling-sync-api/internal/handler"
	"bling-sync-api/internal/queue"
	"bling-sync-api/internal/service"
)

func newTestRouter(t *testing.T) http.Handler {
	log := zaptest.NewLogger(t)
	q := queue.NewMemorySharded(1)
	return New(Config{
		Handler:        handler.New(nil, q),
		WebhookHandler: handler.NewWebhookHandler(service.NewIngestor(q, log), log),
		AdminHandler:   handler.NewAdminHandler(handler.AdminConfig{Queue: q, Log: log}),
		LoginKey:       "s3cret",
		Logger:         log,
	})
}

func TestRouter_Routes(t *testing.T) {
	r := newTestRouter(t)
	body := `{"event":"order.created","data":{"id":1}}`

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		key    string
		want   int
	}{
		{"health", http.MethodGet, "/health", "", "", http.StatusOK},
		{"versioned health", http.MethodGet, "/api/v1/health", "", "", http.StatusOK},
		{"ready", http.MethodGet, "/api/v1/ready", "", "", http.StatusOK},
		{"webhook path", http.MethodPost, "/webhook-bling?conta=loja1", body, "", http.StatusOK},
		{"webhook root", http.MethodPost, "/?conta=loja1", body, "", http.StatusOK},
		{"webhook without account", http.MethodPost, "/webhook-bling", body, "", http.StatusBadRequest},
		{"webhook wrong method", http.MethodGet, "/webhook-bling", "", "", http.StatusMethodNotAllowed},
		{"admin without key", http.MethodGet, "/api/v1/admin/stats", "", "", http.StatusUnauthorized},
		{"admin with key", http.MethodGet, "/api/v1/admin/stats", "", "s3cret", http.StatusOK},
		{"unknown", http.MethodGet, "/nope", "", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.key != "" {
				req.Header.Set("X-Login-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}
