// Package jobs is a SQLite-backed queue with at-least-once delivery and a
// polling worker pool.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// IsTerminal reports whether the job will not run again.
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

type Job struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	Payload        string   `json:"payload_json"`
	State          JobState `json:"state" enum:"queued,running,succeeded,failed"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	AttemptCount   int      `json:"attempt_count"`
	LastError      string   `json:"last_error,omitempty"`
	Result         string   `json:"result_json,omitempty"`
	RequestedBy    string   `json:"requested_by"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	StartedAt      *string  `json:"started_at,omitempty" format:"date-time"`
	FinishedAt     *string  `json:"finished_at,omitempty" format:"date-time"`
}

// DecodePayload unmarshals the job payload into v.
func (j Job) DecodePayload(v any) error {
	if err := json.Unmarshal([]byte(j.Payload), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// NewJob builds a queued job with a JSON payload.
func NewJob(jobType string, payload any, requestedBy, idempotencyKey string) (Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", jobType, err)
	}
	return Job{
		Type:           jobType,
		Payload:        string(data),
		State:          JobStateQueued,
		IdempotencyKey: idempotencyKey,
		RequestedBy:    requestedBy,
	}, nil
}

// Config controls the worker pool.
type Config struct {
	Concurrency  int
	MaxRetries   int
	PollInterval time.Duration
	// Running jobs older than StuckTimeout are requeued. Zero disables it.
	StuckTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	return c
}
