package queue

import (
	"errors"
	"fmt"

	"clinic-queue/internal/models"
)

// ErrorKind classifies failures reported to the requesting caller.
type ErrorKind string

const (
	KindInvalidTransition ErrorKind = "InvalidTransition"
	KindStaleVersion      ErrorKind = "StaleVersion"
	KindCapacityBusy      ErrorKind = "CapacityBusy"
	KindCapacityExceeded  ErrorKind = "CapacityExceeded"
	KindNotFound          ErrorKind = "NotFound"
	KindInvalidQuery      ErrorKind = "InvalidQuery"
	KindInvalidRequest    ErrorKind = "InvalidRequest"
)

// Error carries the current entry state and version so the caller can re-read and retry.
type Error struct {
	Kind           ErrorKind
	Message        string
	EntryID        string
	CurrentVersion int64
	CurrentState   models.State
}

func (e *Error) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("%s: %s (entry %s, state %s, version %d)",
			e.Kind, e.Message, e.EntryID, e.CurrentState, e.CurrentVersion)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error with the same kind, so errors.Is(err, ErrStaleVersion) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition, Message: "transition not allowed"}
	ErrStaleVersion      = &Error{Kind: KindStaleVersion, Message: "version mismatch"}
	ErrCapacityBusy      = &Error{Kind: KindCapacityBusy, Message: "all consultation rooms are occupied"}
	ErrCapacityExceeded  = &Error{Kind: KindCapacityExceeded, Message: "daily sequence exhausted"}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "entry not found"}
	ErrInvalidQuery      = &Error{Kind: KindInvalidQuery, Message: "invalid query"}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest, Message: "invalid request"}
)

// KindOf returns the kind of a queue error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return ""
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func entryError(kind ErrorKind, msg string, e models.QueueEntry) *Error {
	return &Error{
		Kind:           kind,
		Message:        msg,
		EntryID:        e.EntryID,
		CurrentVersion: e.Version,
		CurrentState:   e.State,
	}
}
