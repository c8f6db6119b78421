package models

import (
	"strings"
	"time"
)

// State - posisi entry di state machine antrian klinik
type State string

const (
	StateWaiting    State = "WAITING"
	StateCalled     State = "CALLED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateCancelled  State = "CANCELLED"
	StateNoShow     State = "NO_SHOW"
)

// AllStates is the closed set of entry states.
var AllStates = []State{
	StateWaiting,
	StateCalled,
	StateInProgress,
	StateCompleted,
	StateCancelled,
	StateNoShow,
}

// ParseState accepts the canonical upper-case name or its lower-case form.
func ParseState(s string) (State, bool) {
	for _, st := range AllStates {
		if string(st) == s || st.Lower() == s {
			return st, true
		}
	}
	return "", false
}

func (s State) Lower() string {
	return strings.ToLower(string(s))
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateNoShow
}

// Active reports whether s occupies a consultation room.
func (s State) Active() bool {
	return s == StateCalled || s == StateInProgress
}

// Action - trigger transisi yang diminta operator / scheduler
type Action string

const (
	ActionCall   Action = "call"
	ActionStart  Action = "start"
	ActionRecall Action = "recall"
	ActionCancel Action = "cancel"
	ActionNoShow Action = "no_show"
	ActionFinish Action = "finish"
)

// QueueEntry - satu pasien di antrian hari ini
type QueueEntry struct {
	EntryID            string     `json:"entry_id"`
	QueueNumber        string     `json:"queue_number"`
	ServiceDate        string     `json:"service_date"` // YYYY-MM-DD, zona waktu klinik
	PatientRef         string     `json:"patient_ref"`
	State              State      `json:"state"`
	AdmittedAt         *time.Time `json:"admitted_at"`
	CalledAt           *time.Time `json:"called_at"`
	StartedAt          *time.Time `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at"`
	Version            int64      `json:"version"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
}

// Clone returns a deep copy so callers never share timestamp pointers with the store.
func (e QueueEntry) Clone() QueueEntry {
	out := e
	out.AdmittedAt = cloneTime(e.AdmittedAt)
	out.CalledAt = cloneTime(e.CalledAt)
	out.StartedAt = cloneTime(e.StartedAt)
	out.FinishedAt = cloneTime(e.FinishedAt)
	if e.CancellationReason != nil {
		r := *e.CancellationReason
		out.CancellationReason = &r
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TransitionEvent - catatan immutable satu perubahan state
type TransitionEvent struct {
	EntryID     string    `json:"entry_id"`
	QueueNumber string    `json:"queue_number"`
	ServiceDate string    `json:"service_date"`
	FromState   State     `json:"from_state,omitempty"` // kosong untuk admit
	ToState     State     `json:"to_state"`
	Action      string    `json:"action"`
	Version     int64     `json:"version"`
	OccurredAt  time.Time `json:"occurred_at"`
	Actor       string    `json:"actor"`
	Reason      string    `json:"reason,omitempty"`
}
