package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/berserk3142-max/trust-guard/middleware"
	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/moderation"
	"github.com/berserk3142-max/trust-guard/spam"
	"github.com/berserk3142-max/trust-guard/threat"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SecurityEventReader serves the audit trail back to operators.
type SecurityEventReader interface {
	RecentSecurityEvents(ctx context.Context, ip string, limit int) ([]*models.SecurityEvent, error)
}

type KeyIssuer interface {
	IssueAPIKey(ctx context.Context, userID string) (string, error)
	RevokeAPIKey(ctx context.Context, key string) error
}

type AdminHandler struct {
	pipeline *moderation.Pipeline
	analyzer *threat.Analyzer
	scorer   *spam.Scorer
	events   SecurityEventReader
	keys     KeyIssuer
	requests *middleware.RequestLogStore
	log      *logrus.Logger
}

// NewAdminHandler accepts nil events and keys when Postgres is not
// configured; those endpoints then answer 503.
func NewAdminHandler(
	pipeline *moderation.Pipeline,
	analyzer *threat.Analyzer,
	scorer *spam.Scorer,
	events SecurityEventReader,
	keys KeyIssuer,
	requests *middleware.RequestLogStore,
	log *logrus.Logger,
) *AdminHandler {
	return &AdminHandler{
		pipeline: pipeline,
		analyzer: analyzer,
		scorer:   scorer,
		events:   events,
		keys:     keys,
		requests: requests,
		log:      log,
	}
}

// Routes registers the admin endpoints on mux.
func (h *AdminHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/moderation/queue", methods(map[string]http.HandlerFunc{http.MethodGet: h.GetModerationQueue}))
	mux.HandleFunc("/admin/moderation/decision", methods(map[string]http.HandlerFunc{http.MethodPost: h.ProcessDecision}))
	mux.HandleFunc("/admin/moderation/stats", methods(map[string]http.HandlerFunc{http.MethodGet: h.GetModerationStats}))
	mux.HandleFunc("/admin/ip-risk", methods(map[string]http.HandlerFunc{http.MethodGet: h.GetIPRiskScore}))
	mux.HandleFunc("/admin/blocked-ips", methods(map[string]http.HandlerFunc{
		http.MethodGet:  h.GetBlockedIPs,
		http.MethodPost: h.BlockIP,
	}))
	mux.HandleFunc("/admin/unblock", methods(map[string]http.HandlerFunc{http.MethodPost: h.UnblockIP}))
	mux.HandleFunc("/admin/user-abuse", methods(map[string]http.HandlerFunc{http.MethodGet: h.GetUserAbuse}))
	mux.HandleFunc("/admin/security-events", methods(map[string]http.HandlerFunc{http.MethodGet: h.GetSecurityEvents}))
	mux.HandleFunc("/admin/recent-requests", methods(map[string]http.HandlerFunc{http.MethodGet: h.GetRecentRequests}))
	mux.HandleFunc("/admin/api-keys", methods(map[string]http.HandlerFunc{
		http.MethodPost:   h.IssueAPIKey,
		http.MethodDelete: h.RevokeAPIKey,
	}))
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, models.NewValidationError(name, "must be an integer")
	}
	return n, nil
}

func (h *AdminHandler) GetModerationQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	items, err := h.pipeline.GetModerationQueue(r.Context(), models.QueueFilter{
		ContentType: q.Get("content_type"),
		Status:      models.ModerationStatus(q.Get("status")),
		ReviewerID:  q.Get("reviewer_id"),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (h *AdminHandler) ProcessDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QueueID  string `json:"queue_id"`
		Decision string `json:"decision"`
		Notes    string `json:"notes"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	id, err := uuid.Parse(req.QueueID)
	if err != nil {
		writeError(w, h.log, models.NewValidationError("queue_id", "must be a uuid"))
		return
	}

	reviewer := middleware.GetUserID(r.Context())
	if err := h.pipeline.ProcessHumanDecision(r.Context(), id, reviewer, req.Decision, req.Notes); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "decision recorded",
		"queue_id": id,
	})
}

func (h *AdminHandler) GetModerationStats(w http.ResponseWriter, r *http.Request) {
	period := 24 * time.Hour
	if raw := r.URL.Query().Get("period"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, h.log, models.NewValidationError("period", "must be a duration such as 24h"))
			return
		}
		period = d
	}

	stats, err := h.pipeline.GetModerationStats(r.Context(), period)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) GetIPRiskScore(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		writeMessage(w, http.StatusBadRequest, "ip parameter is required")
		return
	}

	rep, err := h.analyzer.PeekIPReputation(r.Context(), ip)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *AdminHandler) GetBlockedIPs(w http.ResponseWriter, r *http.Request) {
	ips, err := h.analyzer.BlockedIPs(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"blocked_ips": ips,
		"count":       len(ips),
	})
}

func (h *AdminHandler) BlockIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP       string `json:"ip"`
		Reason   string `json:"reason"`
		Duration string `json:"duration"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.IP == "" {
		writeMessage(w, http.StatusBadRequest, "ip is required")
		return
	}

	var duration time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d < 0 {
			writeError(w, h.log, models.NewValidationError("duration", "must be a non-negative duration"))
			return
		}
		duration = d
	}
	reason := req.Reason
	if reason == "" {
		reason = "blocked by " + middleware.GetUserID(r.Context())
	}

	rec, err := h.analyzer.BlockIP(r.Context(), req.IP, reason, duration)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "ip blocked successfully",
		"ip":         rec.IP,
		"reputation": rec,
	})
}

func (h *AdminHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.IP == "" {
		writeMessage(w, http.StatusBadRequest, "ip is required")
		return
	}

	if _, err := h.analyzer.UnblockIP(r.Context(), req.IP); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "ip unblocked successfully",
		"ip":      req.IP,
	})
}

func (h *AdminHandler) GetUserAbuse(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if strings.TrimSpace(userID) == "" {
		writeMessage(w, http.StatusBadRequest, "user_id parameter is required")
		return
	}

	check, err := h.scorer.CheckUserForAbuse(r.Context(), userID, models.CheckContext{})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *AdminHandler) GetSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeMessage(w, http.StatusServiceUnavailable, "audit database not configured")
		return
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	events, err := h.events.RecentSecurityEvents(r.Context(), r.URL.Query().Get("ip"), limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (h *AdminHandler) GetRecentRequests(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": h.requests.GetRecentLogs(limit),
		"stats":    h.requests.Stats(),
	})
}

func (h *AdminHandler) IssueAPIKey(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		writeMessage(w, http.StatusServiceUnavailable, "account database not configured")
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.UserID == "" {
		writeMessage(w, http.StatusBadRequest, "user_id is required")
		return
	}

	key, err := h.keys.IssueAPIKey(r.Context(), req.UserID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"user_id": req.UserID,
		"api_key": key,
	})
}

func (h *AdminHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		writeMessage(w, http.StatusServiceUnavailable, "account database not configured")
		return
	}
	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.APIKey == "" {
		writeMessage(w, http.StatusBadRequest, "api_key is required")
		return
	}

	if err := h.keys.RevokeAPIKey(r.Context(), req.APIKey); err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "api key revoked"})
}
