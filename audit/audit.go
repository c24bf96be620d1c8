package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/berserk3142-max/trust-guard/models"
)

// Sink receives the append-only audit trail.
type Sink interface {
	RecordSecurityEvent(ctx context.Context, event *models.SecurityEvent) error
	RecordRateLimitEvent(ctx context.Context, event *models.RateLimitEvent) error
	RecordAbuseReport(ctx context.Context, report *models.AbuseReport) error
}

// Fanout writes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) RecordSecurityEvent(ctx context.Context, event *models.SecurityEvent) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.RecordSecurityEvent(ctx, event))
	}
	return errors.Join(errs...)
}

func (f Fanout) RecordRateLimitEvent(ctx context.Context, event *models.RateLimitEvent) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.RecordRateLimitEvent(ctx, event))
	}
	return errors.Join(errs...)
}

func (f Fanout) RecordAbuseReport(ctx context.Context, report *models.AbuseReport) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.RecordAbuseReport(ctx, report))
	}
	return errors.Join(errs...)
}

type Nop struct{}

func (Nop) RecordSecurityEvent(context.Context, *models.SecurityEvent) error   { return nil }
func (Nop) RecordRateLimitEvent(context.Context, *models.RateLimitEvent) error { return nil }
func (Nop) RecordAbuseReport(context.Context, *models.AbuseReport) error       { return nil }

// Memory keeps the trail in process. Used by tests and storeless deployments.
type Memory struct {
	mu             sync.RWMutex
	securityEvents []models.SecurityEvent
	rateLimits     []models.RateLimitEvent
	reports        []models.AbuseReport
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) RecordSecurityEvent(_ context.Context, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.securityEvents = append(m.securityEvents, *event)
	return nil
}

func (m *Memory) RecordRateLimitEvent(_ context.Context, event *models.RateLimitEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimits = append(m.rateLimits, *event)
	return nil
}

func (m *Memory) RecordAbuseReport(_ context.Context, report *models.AbuseReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, *report)
	return nil
}

func (m *Memory) SecurityEvents() []models.SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.SecurityEvent(nil), m.securityEvents...)
}

func (m *Memory) RateLimitEvents() []models.RateLimitEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.RateLimitEvent(nil), m.rateLimits...)
}

func (m *Memory) AbuseReports() []models.AbuseReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.AbuseReport(nil), m.reports...)
}

// SecurityEventsOfType filters the recorded security events.
func (m *Memory) SecurityEventsOfType(t models.EventType) []models.SecurityEvent {
	var out []models.SecurityEvent
	for _, e := range m.SecurityEvents() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ Sink = Fanout(nil)
	_ Sink = Nop{}
	_ Sink = (*Memory)(nil)
)
