package cashback

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrOutOfRange is returned when a self-service purchase is submitted
	// away from every store.
	ErrOutOfRange = errors.New("outside store premises")

	// ErrLocationTimeout is returned when the geofence check does not
	// answer in time. No entry is written.
	ErrLocationTimeout = errors.New("location check timed out")

	ErrForbidden = errors.New("operation not allowed for this actor")
)

// OutOfRangeError carries the nearest store for user feedback.
type OutOfRangeError struct {
	StoreName      string
	DistanceMeters float64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("outside store premises: nearest store %s is %.0fm away", e.StoreName, e.DistanceMeters)
}

func (e *OutOfRangeError) Unwrap() error { return ErrOutOfRange }

func (e *OutOfRangeError) OutcomeLabel() string { return "out_of_range" }

type LocationTimeoutError struct {
	Timeout time.Duration
}

func (e *LocationTimeoutError) Error() string {
	return fmt.Sprintf("location check timed out after %s", e.Timeout)
}

func (e *LocationTimeoutError) Unwrap() error { return ErrLocationTimeout }

func (e *LocationTimeoutError) OutcomeLabel() string { return "location_timeout" }

type forbiddenError struct {
	op string
}

func (e *forbiddenError) Error() string { return e.op + ": " + ErrForbidden.Error() }

func (e *forbiddenError) Unwrap() error { return ErrForbidden }

func (e *forbiddenError) OutcomeLabel() string { return "forbidden" }
