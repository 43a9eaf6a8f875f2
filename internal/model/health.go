package model

// HealthStatus represents the health state of a stream node
type HealthStatus struct {
	NodeID    string
	Status    NodeStatus
	Timestamp int64
	Metrics   HealthMetrics
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics summarizes the processor at the time of the last check
type HealthMetrics struct {
	ProcessorState      string
	Computations        int
	ActiveRunners       int
	AbortedComputations []string
	LowWatermark        int64
	DiskUsage           float64
}
