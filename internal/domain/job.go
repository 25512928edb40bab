package domain

import "time"

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
)

// Terminal reports whether a job may no longer change status.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Job is a durable job record (source of truth lives in Postgres).
type Job struct {
	ID          string
	JobType     string
	Payload     []byte
	Owner       string
	Status      Status
	Attempts    int
	Error       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}
