package restore

import (
	"time"

	"photorestore/sampler"
	"photorestore/tensor"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Outcome is the single terminal result of a run. Image is set only on
// success; Err and Kind only on failure.
type Outcome struct {
	Status         Status
	Image          *tensor.Image
	Kind           ErrorKind
	Err            error
	StepsCompleted int
	Duration       time.Duration
}

// Succeeded reports whether the run produced an image.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}

// Event is either a progress report or, last on the stream, the outcome.
type Event struct {
	Progress sampler.Progress
	Outcome  *Outcome
}

// Terminal reports whether e carries the outcome.
func (e Event) Terminal() bool {
	return e.Outcome != nil
}

// RunRecord is the history entry written for every finished run.
type RunRecord struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     time.Time
	Width          int
	Height         int
	NumSteps       int
	StepsCompleted int
	Status         Status
	ErrorKind      ErrorKind
	ErrorMessage   string
}

// Duration is the wall time of the run.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
