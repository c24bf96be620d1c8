package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/berserk3142-max/trust-guard/guard"
	"github.com/sirupsen/logrus"
)

// GuardMiddleware runs admission control and the threat scan in front of
// a handler.
type GuardMiddleware struct {
	guard   *guard.Guard
	maxBody int64
	log     *logrus.Logger
}

func NewGuardMiddleware(g *guard.Guard, maxBody int64, log *logrus.Logger) *GuardMiddleware {
	return &GuardMiddleware{guard: g, maxBody: maxBody, log: log}
}

// Protect checks every request against limitType. Throttled requests get
// 429, blocked and quarantined ones 403. Flagged requests pass with
// X-Trust-Review set on both the response and the forwarded request.
func (m *GuardMiddleware) Protect(limitType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Del("X-Trust-Review")
			snap, err := Snapshot(r, m.maxBody)
			if err != nil {
				writeError(w, http.StatusBadRequest, "unreadable request body")
				return
			}

			v, err := m.guard.CheckRequest(r.Context(), snap, limitType)
			if err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{
					"path":       r.URL.Path,
					"limit_type": limitType,
				}).Error("guard check failed, admitting request")
				next.ServeHTTP(w, r)
				return
			}

			if !WriteVerdict(w, v) {
				return
			}
			if v.Outcome != guard.OutcomeAllow {
				r.Header.Set("X-Trust-Review", string(v.Outcome))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteVerdict sets rate limit headers and writes the rejection for
// throttle (429), block and quarantine (403) outcomes. It reports whether
// the request may proceed.
func WriteVerdict(w http.ResponseWriter, v *guard.Verdict) bool {
	if a := v.Admission; a != nil && !a.Degraded {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(a.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(a.Remaining))
	}

	switch v.Outcome {
	case guard.OutcomeThrottle:
		retry := 1
		if v.RetryAfterSeconds != nil {
			retry = *v.RetryAfterSeconds
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":       "rate limit exceeded",
			"retry_after": retry,
		})
		return false
	case guard.OutcomeBlock:
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":  "request blocked",
			"reason": v.Reason,
		})
		return false
	case guard.OutcomeQuarantine:
		w.Header().Set("X-Trust-Review", string(v.Outcome))
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":  "content quarantined",
			"reason": v.Reason,
		})
		return false
	case guard.OutcomeFlag:
		w.Header().Set("X-Trust-Review", string(v.Outcome))
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
