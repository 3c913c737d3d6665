package domain

import (
	"errors"
)

const (
	JobStatusPending   = "PENDING"
	JobStatusRunning   = "RUNNING"
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
	JobStatusCanceled  = "CANCELED"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotCancelable is returned when canceling a job that already reached a terminal status
	ErrJobNotCancelable = errors.New("job is not pending or running")

	// ErrJobNotTerminal is returned when deleting a job that is still pending or running
	ErrJobNotTerminal = errors.New("job has not finished")
)

// IsTerminal reports whether no further transition can happen from status
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}
