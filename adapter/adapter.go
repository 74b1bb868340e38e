// Package adapter hides slow remote generation services behind a uniform
// submit/poll contract. Each client owns the mapping from its service's raw
// status vocabulary to PollResult.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindNetwork
	KindInvalidResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindInvalidResponse:
		return "invalid response"
	}
	return "unknown"
}

// Error is returned by every adapter call that did not produce a usable response.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("adapter %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transport-level failure worth retrying
// (connection refused, timeouts).
func IsTransient(err error) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Kind == KindNetwork || ae.Kind == KindTimeout
}

func invalid(op string, format string, args ...any) error {
	return &Error{Kind: KindInvalidResponse, Op: op, Err: fmt.Errorf(format, args...)}
}

// PollState is the variant tag of PollResult.
type PollState int

const (
	Pending PollState = iota
	Succeeded
	Failed
	NotFound
)

func (s PollState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case NotFound:
		return "not found"
	}
	return "unknown"
}

// PollResult is the outcome of one poll. Artifact is set for Succeeded,
// Reason for Failed.
type PollResult struct {
	State    PollState
	Artifact string
	Reason   string
}

// Submission is the accepted response of a submit call. ExternalID is the
// poll key; synchronous backends leave it empty and return their output in
// Body.
type Submission struct {
	ExternalID  string
	Body        []byte
	ContentType string
}

// Submitter starts remote work.
type Submitter interface {
	Submit(ctx context.Context, payload json.RawMessage) (*Submission, error)
}

// Poller reports the state of previously submitted work.
type Poller interface {
	Poll(ctx context.Context, externalID string) (PollResult, error)
}

// Service is an asynchronous submit+poll backend.
type Service interface {
	Submitter
	Poller
}
