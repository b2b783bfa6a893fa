package mux

import (
	"errors"
	"fmt"
	"time"
)

// Unit is the payload of operations that return no data.
type Unit struct{}

// CallMetrics records timing for one contract call.
type CallMetrics struct {
	Duration time.Duration
	At       time.Time
}

// Result is the envelope every contract operation returns. Internal faults
// never cross the public boundary as panics or raw errors; they are converted
// here.
type Result[T any] struct {
	OK      bool
	Data    T
	Err     string
	Metrics *CallMetrics
}

// Ok wraps a successful payload.
func Ok[T any](data T) Result[T] {
	return Result[T]{OK: true, Data: data}
}

// OkTimed wraps a successful payload with timing measured from started.
func OkTimed[T any](data T, started time.Time) Result[T] {
	return Result[T]{
		OK:      true,
		Data:    data,
		Metrics: &CallMetrics{Duration: time.Since(started), At: started},
	}
}

// Failf builds a failed result.
func Failf[T any](format string, args ...any) Result[T] {
	return Result[T]{Err: fmt.Sprintf(format, args...)}
}

// FailErr converts an error into a failed result. A nil error becomes a
// generic failure rather than a panic.
func FailErr[T any](err error) Result[T] {
	if err == nil {
		return Result[T]{Err: "unknown error"}
	}
	return Result[T]{Err: err.Error()}
}

// Error exposes a failed result as an error; nil when the result is OK.
func (r Result[T]) Error() error {
	if r.OK {
		return nil
	}
	if r.Err == "" {
		return errors.New("operation failed")
	}
	return errors.New(r.Err)
}
