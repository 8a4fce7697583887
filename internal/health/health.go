// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth contains health details for one pipeline dependency.
type ComponentHealth struct {
	Component string       `json:"component"`
	Status    SystemStatus `json:"status"`
	Detail    string       `json:"detail,omitempty"`
	Pending   int          `json:"pending,omitempty"`
}
