package ptt

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is wrapped by every IllegalTransitionError
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrAlreadyStarted is returned when a transmitter is started twice or configured after start
	ErrAlreadyStarted = errors.New("transmitter already started")
	// ErrPriorityTooLow is returned when the active transmitter on a multiplexer cannot be preempted
	ErrPriorityTooLow = errors.New("active transmitter has equal or higher priority")
	// ErrNotEstablished is returned when the remote end of a link is unknown
	ErrNotEstablished = errors.New("session is not established")
	// ErrSessionClosed is returned by operations on a shut down session
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidState is returned when an operation is not allowed in the current state
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrNoRTPResources is returned when the port budget is exhausted
	ErrNoRTPResources = errors.New("no RTP resources available")
	// ErrTSNExhausted is returned when every TSN of a bucket is active
	ErrTSNExhausted = errors.New("no free transmission sequence number")
	// ErrWrongRole is returned when an operation is invoked on a session of the other role
	ErrWrongRole = errors.New("operation not supported by session role")
)

// IllegalTransitionError reports a (state, transition) pair missing from a transition table
type IllegalTransitionError struct {
	Machine    string
	From       string
	Transition string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s: no transition %s from state %s", e.Machine, e.Transition, e.From)
}

// Unwrap lets errors.Is match ErrIllegalTransition
func (e *IllegalTransitionError) Unwrap() error {
	return ErrIllegalTransition
}
