package model

import (
	"errors"
	"time"
)

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Result is the outcome of one job. It is consumed exactly once by the reporter.
type Result struct {
	Outcome Outcome
	Results *Results // Success only, nil means no results
	Err     error    // Failure only
	Started time.Time
	Stopped time.Time
}

func Success(results *Results) Result {
	return Result{Outcome: OutcomeSuccess, Results: results}
}

func Failure(err error) Result {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Result{Outcome: OutcomeFailure, Err: err}
}

func TimedOut() Result {
	return Result{Outcome: OutcomeTimedOut}
}

func (r Result) Elapsed() time.Duration {
	if r.Started.IsZero() || r.Stopped.IsZero() {
		return 0
	}
	return r.Stopped.Sub(r.Started)
}
