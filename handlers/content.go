package handlers

import (
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/berserk3142-max/trust-guard/guard"
	"github.com/berserk3142-max/trust-guard/middleware"
	"github.com/berserk3142-max/trust-guard/models"
	"github.com/berserk3142-max/trust-guard/spam"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
)

type ContentHandler struct {
	guard   *guard.Guard
	scorer  *spam.Scorer
	maxBody int64
	log     *logrus.Logger
}

func NewContentHandler(g *guard.Guard, scorer *spam.Scorer, maxBody int64, log *logrus.Logger) *ContentHandler {
	return &ContentHandler{guard: g, scorer: scorer, maxBody: maxBody, log: log}
}

// Routes registers the content endpoints. Reports go through protect;
// submissions run admission themselves inside CheckSubmission.
func (h *ContentHandler) Routes(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	mux.HandleFunc("/api/content", methods(map[string]http.HandlerFunc{http.MethodPost: h.Submit}))
	mux.Handle("/api/reports", protect(methods(map[string]http.HandlerFunc{http.MethodPost: h.Report})))
}

type submitRequest struct {
	ContentType string                 `json:"content_type"`
	ContentID   string                 `json:"content_id"`
	Content     string                 `json:"content"`
	Context     map[string]interface{} `json:"context"`
}

// Submit moderates one piece of user content. Accepted content answers
// 201, content flagged for review 202. Quarantined content stays in the
// review queue but is refused with 403.
func (h *ContentHandler) Submit(w http.ResponseWriter, r *http.Request) {
	snap, err := middleware.Snapshot(r, h.maxBody)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var req submitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if strings.TrimSpace(req.ContentType) == "" {
		writeError(w, h.log, models.NewValidationError("content_type", "must not be empty"))
		return
	}
	cc, err := decodeCheckContext(req.Context)
	if err != nil {
		writeError(w, h.log, models.NewValidationError("context", err.Error()))
		return
	}

	ctx := r.Context()
	cc.UserID = middleware.GetUserID(ctx)
	cc.TrustLevel = middleware.GetTrustLevel(ctx)
	cc.Fingerprint = middleware.GetFingerprint(ctx)
	cc.IP = snap.ClientIP
	cc.UserAgent = r.UserAgent()
	cc.Country = r.Header.Get("CF-IPCountry")

	if req.ContentID == "" {
		req.ContentID = uuid.NewString()
	}

	v, err := h.guard.CheckSubmission(ctx, snap, guard.Submission{
		ContentType: req.ContentType,
		ContentID:   req.ContentID,
		Content:     req.Content,
		UserID:      cc.UserID,
		Context:     cc,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if !middleware.WriteVerdict(w, v) {
		return
	}

	status := http.StatusCreated
	if v.Outcome != guard.OutcomeAllow {
		status = http.StatusAccepted
	}
	writeJSON(w, status, v)
}

// Report files a community report. Reporters must be authenticated.
func (h *ContentHandler) Report(w http.ResponseWriter, r *http.Request) {
	reporter := middleware.GetUserID(r.Context())
	if reporter == "" {
		writeMessage(w, http.StatusUnauthorized, "authentication required to report content")
		return
	}

	var req struct {
		ContentType string `json:"content_type"`
		ContentID   string `json:"content_id"`
		Reason      string `json:"reason"`
		Description string `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}

	res := h.scorer.ReportAbuse(r.Context(), reporter, req.ContentType, req.ContentID, req.Reason, req.Description)
	switch {
	case res.Success:
		writeJSON(w, http.StatusCreated, res)
	case res.Error == spam.MsgAlreadyReported:
		writeJSON(w, http.StatusConflict, res)
	case res.Error == spam.MsgReportFailed:
		writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		writeJSON(w, http.StatusBadRequest, res)
	}
}

var timeType = reflect.TypeOf(time.Time{})

// unixTimeHook accepts form timestamps as unix seconds.
func unixTimeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != timeType {
		return data, nil
	}
	switch v := data.(type) {
	case float64:
		return time.Unix(int64(v), 0), nil
	case int64:
		return time.Unix(v, 0), nil
	case int:
		return time.Unix(int64(v), 0), nil
	}
	return data, nil
}

// decodeCheckContext reads the client-supplied submission context. Only
// honeypot fields and the form render time are honoured; identity fields
// are overwritten by the caller.
func decodeCheckContext(raw map[string]interface{}) (models.CheckContext, error) {
	var cc models.CheckContext
	if len(raw) == 0 {
		return cc, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			unixTimeHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		WeaklyTypedInput: true,
		Result:           &cc,
	})
	if err != nil {
		return cc, err
	}
	if err := dec.Decode(raw); err != nil {
		return cc, fmt.Errorf("decode: %w", err)
	}
	return cc, nil
}
