package messaging

import (
	"context"
	"time"
)

// HealthStatus is the readiness view of a broker connection.
type HealthStatus struct {
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
}

// CheckClientHealth reports whether client is connected and how long a ping
// round trip took. A ping with no responder still counts as healthy.
func CheckClientHealth(ctx context.Context, client Client) HealthStatus {
	status := HealthStatus{}
	if client == nil {
		status.Error = "client is nil"
		return status
	}

	status.Connected = client.IsConnected()
	if !status.Connected {
		status.Error = "not connected to message broker"
		return status
	}

	start := time.Now()
	_, _ = client.Request(ctx, "_HEALTH.ping", []byte("ping"), 2*time.Second)
	status.Latency = time.Since(start)
	return status
}
