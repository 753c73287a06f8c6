// Package health provides health monitoring for the forwarding pipeline
package health

import "time"

// Status represents the health state of a component or the whole daemon
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// NewHealthy creates a healthy status for a component
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates an unhealthy status for a component
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a degraded status for a component
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate combines sub-statuses into a single system status. Any
// unhealthy component makes the system unhealthy; any degraded component
// makes it degraded.
func Aggregate(systemName string, subStatuses []Status) Status {
	aggregated := NewHealthy(systemName, "all components healthy")
	aggregated.SubStatuses = subStatuses

	degraded := 0
	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			aggregated.Healthy = false
			aggregated.Status = "unhealthy"
			aggregated.Message = sub.Component + ": " + sub.Message
			return aggregated
		}
		if sub.IsDegraded() {
			degraded++
		}
	}
	if degraded > 0 {
		aggregated.Healthy = false
		aggregated.Status = "degraded"
		aggregated.Message = "one or more components degraded"
	}
	return aggregated
}
