package resilience

// CheckStatus classifies the health of one dependency or the whole service.
type CheckStatus string

const (
	StatusHealthy   CheckStatus = "healthy"
	StatusDegraded  CheckStatus = "degraded"
	StatusUnhealthy CheckStatus = "unhealthy"
)

var statusRank = map[CheckStatus]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

// Worse returns the more severe of two statuses.
func Worse(a, b CheckStatus) CheckStatus {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// DependencyCheck reports the health classification of one dependency key.
type DependencyCheck struct {
	Service   string      `json:"service"`
	Operation string      `json:"operation"`
	Status    CheckStatus `json:"status"`
	State     State       `json:"circuit_state"`
	Failures  int         `json:"recent_failures"`
}

// HealthReport aggregates every tracked dependency into one verdict: the
// worst of its parts.
type HealthReport struct {
	Status CheckStatus       `json:"status"`
	Checks []DependencyCheck `json:"checks"`
}

// Health classifies every registered dependency key: unhealthy while the
// circuit is open, degraded while half-open or while failures have climbed
// to at least half the threshold, healthy otherwise. The report is
// recomputed on every call and never cached.
func (e *Executor) Health() HealthReport {
	report := HealthReport{Status: StatusHealthy}

	for _, key := range e.Keys() {
		e.mu.RLock()
		ent := e.entries[key]
		e.mu.RUnlock()
		if ent == nil {
			continue
		}
		snap := ent.breaker.Snapshot()

		status := StatusHealthy
		switch snap.State {
		case StateOpen:
			status = StatusUnhealthy
		case StateHalfOpen:
			status = StatusDegraded
		case StateClosed:
			if snap.Failures > 0 && snap.Failures*2 >= snap.FailureThreshold {
				status = StatusDegraded
			}
		}

		report.Checks = append(report.Checks, DependencyCheck{
			Service:   key.Service,
			Operation: key.Operation,
			Status:    status,
			State:     snap.State,
			Failures:  snap.Failures,
		})
		report.Status = Worse(report.Status, status)
	}
	return report
}
