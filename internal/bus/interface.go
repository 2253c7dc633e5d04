package bus

import (
	"context"
	"io"
	"log"
)

// ReportStream is the Redis stream finished reports are appended to.
const ReportStream = "reports"

// Bus publishes finished analyzer reports to downstream consumers.
type Bus interface {
	// PublishReport appends a report to the reports stream
	PublishReport(ctx context.Context, msg ReportMessage) error

	// HealthCheck performs a health check on the bus connection
	HealthCheck(ctx context.Context) error

	// Close closes the bus connection
	Close() error
}

// NewBus creates a new bus instance based on the Redis URL.
// If redisURL is empty or unreachable, returns a NullBus.
func NewBus(redisURL string, logger *log.Logger) Bus {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	if redisURL == "" {
		return NewNullBus(logger)
	}

	redisBus, err := NewRedisBus(redisURL, logger)
	if err == nil {
		return redisBus
	}

	logger.Printf("Report bus unavailable, publishing disabled: %v", err)
	return NewNullBus(logger)
}
