package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"bling-sync-api/internal/model"
	"bling-sync-api/internal/service"
	"bling-sync-api/pkg/apierror"
	"bling-sync-api/pkg/response"
)

// AdminStore is the store surface used by the admin endpoints.
type AdminStore interface {
	Stats(ctx context.Context) (map[string]interface{}, error)
	ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error)
	UpsertAccount(ctx context.Context, account *model.Account) error
}

// AdminConfig wires the admin handler. Optional fields may be nil.
type AdminConfig struct {
	Store    AdminStore
	Queue    QueueSizer
	Workers  interface{ Stats() service.WorkerStats }
	Replayer interface {
		RunNow(ctx context.Context) (int, error)
	}
	Tokens interface {
		Forget(ctx context.Context, account string)
		Refreshes() int64
	}
	DBType string
	Log    *zap.Logger
}

// AdminHandler handles admin-related HTTP requests.
type AdminHandler struct {
	cfg       AdminConfig
	log       *zap.Logger
	startTime time.Time
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminHandler{
		cfg:       cfg,
		log:       log.Named("Admin"),
		startTime: time.Now(),
	}
}

// GetStats handles GET /api/v1/admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := make(map[string]interface{})

	// System info
	stats["uptime_seconds"] = int64(time.Since(h.startTime).Seconds())
	stats["uptime_human"] = time.Since(h.startTime).Round(time.Second).String()
	stats["server_time"] = time.Now().Format(time.RFC3339)
	stats["db_type"] = h.cfg.DBType

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats["memory"] = map[string]interface{}{
		"alloc_mb":      float64(memStats.Alloc) / 1024 / 1024,
		"sys_mb":        float64(memStats.Sys) / 1024 / 1024,
		"heap_inuse_mb": float64(memStats.HeapInuse) / 1024 / 1024,
		"num_gc":        memStats.NumGC,
		"goroutines":    runtime.NumGoroutine(),
	}

	if h.cfg.Queue != nil {
		if n, err := h.cfg.Queue.Len(ctx); err == nil {
			stats["queue"] = map[string]interface{}{"size": n, "status": "ok"}
		} else {
			stats["queue"] = map[string]interface{}{"status": "error", "error": err.Error()}
		}
	}

	if h.cfg.Workers != nil {
		stats["workers"] = h.cfg.Workers.Stats()
	}
	if h.cfg.Tokens != nil {
		stats["token_refreshes"] = h.cfg.Tokens.Refreshes()
	}

	if h.cfg.Store != nil {
		if dbStats, err := h.cfg.Store.Stats(ctx); err == nil {
			dbStats["status"] = "connected"
			stats["database"] = dbStats
		} else {
			stats["database"] = map[string]interface{}{"status": "error", "error": err.Error()}
		}
	}

	response.OK(w, stats)
}

// ListDeadLetters handles GET /api/v1/admin/dead-letters?limit=N
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			response.Error(w, apierror.BadRequest("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}

	letters, err := h.cfg.Store.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.log.Error("failed to list dead letters", zap.Error(err))
		response.Error(w, apierror.InternalError("failed to list dead letters"))
		return
	}
	if letters == nil {
		letters = []model.DeadLetter{}
	}
	response.JSONWithMeta(w, http.StatusOK, letters, limit, int64(len(letters)))
}

// ReplayDeadLetters handles POST /api/v1/admin/dead-letters/replay
func (h *AdminHandler) ReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Replayer == nil {
		response.Error(w, apierror.ServiceUnavailable("replay is not configured"))
		return
	}
	n, err := h.cfg.Replayer.RunNow(r.Context())
	if err != nil {
		h.log.Error("replay failed", zap.Int("replayed", n), zap.Error(err))
		response.Error(w, apierror.ServiceUnavailable("replay failed: "+err.Error()))
		return
	}
	h.log.Info("dead letters replayed", zap.Int("replayed", n))
	response.OK(w, map[string]int{"replayed": n})
}

// accountRequest is the body of PUT /api/v1/admin/accounts/{name}.
type accountRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

func (req *accountRequest) validate() []apierror.FieldError {
	var errs []apierror.FieldError
	if strings.TrimSpace(req.ClientID) == "" {
		errs = append(errs, apierror.FieldError{Field: "client_id", Message: "required"})
	}
	if strings.TrimSpace(req.ClientSecret) == "" {
		errs = append(errs, apierror.FieldError{Field: "client_secret", Message: "required"})
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		errs = append(errs, apierror.FieldError{Field: "refresh_token", Message: "required"})
	}
	if req.ExpiresAt < 0 {
		errs = append(errs, apierror.FieldError{Field: "expires_at", Message: "must not be negative"})
	}
	return errs
}

// PutAccount handles PUT /api/v1/admin/accounts/{name}. It stores credentials
// after a manual authorization, drops the cached token and replays dead
// letters that were waiting on it.
func (h *AdminHandler) PutAccount(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "name"))
	if name == "" {
		response.Error(w, apierror.BadRequest("account name is required"))
		return
	}

	var req accountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid JSON body"))
		return
	}
	if errs := req.validate(); len(errs) > 0 {
		response.Error(w, apierror.ValidationError("invalid account", errs...))
		return
	}

	ctx := r.Context()
	account := &model.Account{
		Name:         name,
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
	}
	if err := h.cfg.Store.UpsertAccount(ctx, account); err != nil {
		h.log.Error("failed to save account", zap.String("account", name), zap.Error(err))
		response.Error(w, apierror.InternalError("failed to save account"))
		return
	}
	if h.cfg.Tokens != nil {
		h.cfg.Tokens.Forget(ctx, name)
	}
	h.log.Info("account authorized", zap.String("account", name))

	result := map[string]interface{}{"account": name}
	if h.cfg.Replayer != nil {
		n, err := h.cfg.Replayer.RunNow(ctx)
		if err != nil {
			h.log.Warn("replay after authorization failed", zap.Error(err))
		}
		result["replayed"] = n
	}
	response.OK(w, result)
}
