package operations

import (
	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
)

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"

	ServiceAvailable = "available"
	ServiceBusy      = "busy"
)

// ActiveJob identifies a running job in the health report.
type ActiveJob struct {
	Family     jobs.Family `json:"family"`
	SessionID  string      `json:"sessionId"`
	Percentage int         `json:"percentage"`
}

// ServiceHealth reports whether jobs can be started.
type ServiceHealth struct {
	Status     string      `json:"status"`
	ActiveJob  *ActiveJob  `json:"activeJob,omitempty"`
	ActiveJobs []ActiveJob `json:"activeJobs,omitempty"`
}

// Health is the health report.
type Health struct {
	Status         string                    `json:"status"`
	CircuitBreaker *circuitbreaker.Snapshot  `json:"circuitBreaker,omitempty"`
	Circuits       []circuitbreaker.Snapshot `json:"circuits"`
	Credentials    bool                      `json:"credentialsInitialized"`
	Service        ServiceHealth             `json:"service"`
}

// Health reports degraded when any circuit is not closed or credentials are missing.
func (s *Service) Health() Health {
	h := Health{Status: HealthHealthy, Service: ServiceHealth{Status: ServiceAvailable}}

	if s.opts.Breakers != nil {
		h.Circuits = s.opts.Breakers.Snapshots()
		for i := range h.Circuits {
			if h.Circuits[i].Name == s.opts.BreakerName {
				snap := h.Circuits[i]
				h.CircuitBreaker = &snap
			}
			if h.Circuits[i].State != circuitbreaker.StateClosed {
				h.Status = HealthDegraded
			}
		}
	}
	if s.opts.Credentials != nil {
		h.Credentials = s.opts.Credentials.Initialized()
	}
	if !h.Credentials {
		h.Status = HealthDegraded
	}

	for _, snap := range s.opts.Jobs.Running() {
		h.Service.ActiveJobs = append(h.Service.ActiveJobs, ActiveJob{
			Family:     snap.Family,
			SessionID:  snap.SessionID,
			Percentage: snap.Progress.Percentage,
		})
	}
	if len(h.Service.ActiveJobs) > 0 {
		h.Service.Status = ServiceBusy
		h.Service.ActiveJob = &h.Service.ActiveJobs[0]
	}
	return h
}
