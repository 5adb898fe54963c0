package telemetry

import (
	"context"

	"github.com/fhirguard/fhirguard/internal/platform/jobs"
	"github.com/fhirguard/fhirguard/internal/platform/reporting"
)

// Notify implements jobs.Notifier. PENDING starts the analysis clock,
// terminal states stop it and completed reports are tallied by severity.
func (m *Metrics) Notify(_ context.Context, s jobs.Status) error {
	switch {
	case s.State == jobs.StatePending:
		m.tasks.Add(1, string(s.State))
		m.mu.Lock()
		if len(m.started) < maxTracked {
			m.started[s.TaskID] = s.UpdatedAt
		}
		m.mu.Unlock()
	case s.State.Terminal():
		m.tasks.Add(1, string(s.State))
		m.mu.Lock()
		start, ok := m.started[s.TaskID]
		delete(m.started, s.TaskID)
		m.mu.Unlock()
		if ok && !s.UpdatedAt.Before(start) {
			m.analysis.Observe(s.UpdatedAt.Sub(start).Seconds(), string(s.State))
		}
		if s.Result != nil {
			for sev, n := range reporting.CountBySeverity(s.Result.Flatten()) {
				if n > 0 {
					m.issues.Add(int64(n), string(sev))
				}
			}
		}
	}
	return nil
}

var _ jobs.Notifier = (*Metrics)(nil)
