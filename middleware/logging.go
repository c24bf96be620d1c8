package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avct/uasurfer"
	"github.com/sirupsen/logrus"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

type RequestLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	IP         string    `json:"ip"`
	StatusCode int       `json:"status_code"`
	Duration   string    `json:"duration"`
	UserAgent  string    `json:"user_agent"`
	Device     string    `json:"device,omitempty"`
	Browser    string    `json:"browser,omitempty"`
	Size       int       `json:"size"`
}

// agentClass names the device and browser family of a user agent.
func agentClass(ua string) (device, browser string) {
	if strings.TrimSpace(ua) == "" {
		return "", ""
	}
	parsed := uasurfer.Parse(ua)
	switch parsed.DeviceType {
	case uasurfer.DeviceComputer:
		device = "computer"
	case uasurfer.DeviceTablet:
		device = "tablet"
	case uasurfer.DevicePhone:
		device = "phone"
	case uasurfer.DeviceConsole:
		device = "console"
	case uasurfer.DeviceWearable:
		device = "wearable"
	case uasurfer.DeviceTV:
		device = "tv"
	default:
		device = "unknown"
	}
	return device, strings.TrimPrefix(parsed.Browser.Name.String(), "Browser")
}

// RequestLogStore keeps the most recent requests for the admin API.
type RequestLogStore struct {
	mu      sync.RWMutex
	logs    []RequestLog
	maxSize int
}

func NewRequestLogStore(maxSize int) *RequestLogStore {
	return &RequestLogStore{logs: make([]RequestLog, 0, maxSize), maxSize: maxSize}
}

func (s *RequestLogStore) AddLog(log RequestLog) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, log)
	if len(s.logs) > s.maxSize {
		s.logs = s.logs[len(s.logs)-s.maxSize:]
	}
}

// GetRecentLogs returns up to limit entries, newest first.
func (s *RequestLogStore) GetRecentLogs(limit int) []RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.logs) {
		limit = len(s.logs)
	}

	result := make([]RequestLog, limit)
	for i := 0; i < limit; i++ {
		result[i] = s.logs[len(s.logs)-1-i]
	}
	return result
}

type RequestStats struct {
	Total     int `json:"total"`
	Throttled int `json:"throttled"`
	Blocked   int `json:"blocked"`
}

func (s *RequestLogStore) Stats() RequestStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := RequestStats{Total: len(s.logs)}
	for _, l := range s.logs {
		switch l.StatusCode {
		case http.StatusTooManyRequests:
			stats.Throttled++
		case http.StatusForbidden:
			stats.Blocked++
		}
	}
	return stats
}

type LoggingMiddleware struct {
	log   *logrus.Logger
	store *RequestLogStore
}

func NewLoggingMiddleware(log *logrus.Logger, store *RequestLogStore) *LoggingMiddleware {
	return &LoggingMiddleware{log: log, store: store}
}

func (m *LoggingMiddleware) Log(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		entry := RequestLog{
			Timestamp:  start,
			Method:     r.Method,
			Path:       r.URL.Path,
			IP:         ClientIP(r),
			StatusCode: rw.statusCode,
			Duration:   duration.String(),
			UserAgent:  r.UserAgent(),
			Size:       rw.size,
		}
		entry.Device, entry.Browser = agentClass(entry.UserAgent)
		if m.store != nil {
			m.store.AddLog(entry)
		}

		m.log.WithFields(logrus.Fields{
			"method":      entry.Method,
			"path":        entry.Path,
			"ip":          entry.IP,
			"status":      entry.StatusCode,
			"size":        entry.Size,
			"duration_ms": duration.Milliseconds(),
			"user_agent":  entry.UserAgent,
			"device":      entry.Device,
			"browser":     entry.Browser,
		}).Info("request")
	})
}
