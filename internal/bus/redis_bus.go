package bus

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBus publishes reports to a Redis Stream
type RedisBus struct {
	client *redis.Client
	logger *log.Logger
	maxLen int64
}

// ReportMessage is one finished job as published on the reports stream.
// Output holds the exact JSON envelope the analyzer wrote.
type ReportMessage struct {
	JobID        string `json:"job_id"`
	Analyzer     string `json:"analyzer"`
	DataType     string `json:"data_type"`
	Data         string `json:"data"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
	Artifacts    int    `json:"artifacts"`
	Output       string `json:"output"`
	Timestamp    int64  `json:"timestamp"`
}

// NewRedisBus creates a new Redis bus instance
func NewRedisBus(redisURL string, logger *log.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger == nil {
		logger = log.New(log.Writer(), "[RedisBus] ", log.LstdFlags)
	}

	return &RedisBus{
		client: client,
		logger: logger,
		maxLen: 10000,
	}, nil
}

// Close closes the Redis connection
func (rb *RedisBus) Close() error {
	return rb.client.Close()
}

// PublishReport appends a report to the reports stream, trimming the stream
// to roughly its maximum length.
func (rb *RedisBus) PublishReport(ctx context.Context, msg ReportMessage) error {
	result := rb.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ReportStream,
		MaxLen: rb.maxLen,
		Approx: true,
		Values: reportFields(msg),
	})

	if err := result.Err(); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}

	rb.logger.Printf("Published report %s from %s to %s stream", msg.JobID, msg.Analyzer, ReportStream)
	return nil
}

// HealthCheck performs a health check on the Redis connection
func (rb *RedisBus) HealthCheck(ctx context.Context) error {
	return rb.client.Ping(ctx).Err()
}

func reportFields(msg ReportMessage) map[string]interface{} {
	ts := msg.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	fields := map[string]interface{}{
		"job_id":    msg.JobID,
		"analyzer":  msg.Analyzer,
		"data_type": msg.DataType,
		"data":      msg.Data,
		"success":   strconv.FormatBool(msg.Success),
		"artifacts": msg.Artifacts,
		"output":    msg.Output,
		"timestamp": ts,
	}
	if msg.ErrorMessage != "" {
		fields["error_message"] = msg.ErrorMessage
	}
	return fields
}
