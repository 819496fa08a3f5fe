package database

import (
	"context"
	"time"
)

// Timeouts applied to database work.
const (
	DefaultQueryTimeout = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	// DefaultBatchTimeout bounds a whole SLA batch transaction.
	DefaultBatchTimeout = 2 * time.Minute
)

// QueryContext bounds read-only work.
func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

// WriteContext bounds a single-case transaction.
func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultWriteTimeout)
}

// BatchContext bounds a scheduled batch transaction.
func BatchContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultBatchTimeout)
}
