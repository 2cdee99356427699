package upload

import (
	"errors"
	"fmt"
)

// State is a step of one upload attempt.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateHashing
	StateEncrypting
	StateTransmitting
	StateSucceeded
	StateFailed
)

var stateNames = [...]string{"idle", "validating", "hashing", "encrypting", "transmitting", "succeeded", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Status is reported to the caller on every transition.
type Status struct {
	State   State
	Message string
}

// StatusFunc receives status updates. It is called synchronously from Submit.
type StatusFunc func(Status)

var (
	// ErrAttemptInFlight rejects a second submission while the first is outstanding.
	ErrAttemptInFlight = errors.New("upload already in progress")
	// ErrNoFile means nothing was selected.
	ErrNoFile = errors.New("no file selected")
	// ErrCancelled means the caller aborted the attempt.
	ErrCancelled = errors.New("upload cancelled")
)

// TransmissionError wraps a storage failure. Resubmitting is safe.
type TransmissionError struct {
	Err error
}

func (e *TransmissionError) Error() string {
	return "transmission failed: " + e.Err.Error()
}

func (e *TransmissionError) Unwrap() error {
	return e.Err
}
