package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status classifies a component or the whole system.
type Status int

const (
	StatusHealthy Status = iota
	StatusWarning
	StatusCritical
	StatusOffline
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	default:
		return "offline"
	}
}

// Signals are the raw readings a component exposes to the health checker.
type Signals struct {
	Online     bool
	HitRate    float64 // -1 when the component has no cache
	AvgLatency time.Duration
	Backlog    int
	Errors     int64
}

// Probe is implemented by each component the checker polls.
type Probe interface {
	// ProbeName identifies the component in health reports.
	ProbeName() string

	// Signals returns the component's current raw readings.
	Signals() Signals
}

// ComponentHealth is one classified component reading.
type ComponentHealth struct {
	Name    string        `json:"name"`
	Status  string        `json:"status"`
	HitRate float64       `json:"hitRate"`
	Latency time.Duration `json:"latency"`
	Backlog int           `json:"backlog"`
	Errors  int64         `json:"errors"`
}

// SystemHealth is the classified state of the whole system at one check.
type SystemHealth struct {
	Overall    string            `json:"overall"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checkedAt"`
}

// Classification thresholds.
const (
	warnHitRate     = 0.50
	critHitRate     = 0.20
	warnLatency     = 2 * time.Second
	critLatency     = 10 * time.Second
	warnBacklog     = 100
	critBacklog     = 500
	warnErrorCount  = 10
	critErrorCount  = 100
	escalationCount = 2 // >= this many warnings escalates overall to critical
)

// classify maps raw signals onto a status.
func classify(s Signals) Status {
	if !s.Online {
		return StatusOffline
	}

	status := StatusHealthy
	bump := func(to Status) {
		if to > status {
			status = to
		}
	}

	if s.HitRate >= 0 {
		if s.HitRate < critHitRate {
			bump(StatusCritical)
		} else if s.HitRate < warnHitRate {
			bump(StatusWarning)
		}
	}
	if s.AvgLatency >= critLatency {
		bump(StatusCritical)
	} else if s.AvgLatency >= warnLatency {
		bump(StatusWarning)
	}
	if s.Backlog >= critBacklog {
		bump(StatusCritical)
	} else if s.Backlog >= warnBacklog {
		bump(StatusWarning)
	}
	if s.Errors >= critErrorCount {
		bump(StatusCritical)
	} else if s.Errors >= warnErrorCount {
		bump(StatusWarning)
	}

	return status
}

// HealthChecker polls registered probes on a fixed interval and keeps the
// latest classified system state.
type HealthChecker struct {
	probes   []Probe
	interval time.Duration
	log      *slog.Logger

	mu   sync.RWMutex
	last SystemHealth
}

// NewHealthChecker creates a checker polling the given probes.
func NewHealthChecker(probes []Probe, interval time.Duration, log *slog.Logger) *HealthChecker {
	return &HealthChecker{
		probes:   probes,
		interval: interval,
		log:      log.With("component", "health"),
	}
}

// Run polls on the configured interval until ctx is cancelled. An initial
// check runs immediately so Latest never returns a zero value for long.
func (h *HealthChecker) Run(ctx context.Context) {
	h.Check()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sh := h.Check()
			if sh.Overall != StatusHealthy.String() {
				h.log.Warn("system health degraded", "overall", sh.Overall)
			}
		}
	}
}

// Check polls every probe once, classifies each component, derives the
// overall status (worst component, escalated to critical when two or more
// components are simultaneously warning), and stores the result.
func (h *HealthChecker) Check() SystemHealth {
	sh := SystemHealth{CheckedAt: time.Now().UTC()}

	worst := StatusHealthy
	warnings := 0
	for _, p := range h.probes {
		sig := p.Signals()
		st := classify(sig)
		if st > worst {
			worst = st
		}
		if st == StatusWarning {
			warnings++
		}
		sh.Components = append(sh.Components, ComponentHealth{
			Name:    p.ProbeName(),
			Status:  st.String(),
			HitRate: sig.HitRate,
			Latency: sig.AvgLatency,
			Backlog: sig.Backlog,
			Errors:  sig.Errors,
		})
	}

	if warnings >= escalationCount && worst < StatusCritical {
		worst = StatusCritical
	}
	sh.Overall = worst.String()

	h.mu.Lock()
	h.last = sh
	h.mu.Unlock()
	return sh
}

// Latest returns the most recent check result.
func (h *HealthChecker) Latest() SystemHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}
