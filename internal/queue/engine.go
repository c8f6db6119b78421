package queue

import (
	"context"
	"fmt"
	"time"

	"clinic-queue/internal/metrics"
	"clinic-queue/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ActionAdmit labels the creation event; it is not a transition request action.
const ActionAdmit = "admit"

// Publisher fans events out to live observers. It must not block.
type Publisher interface {
	Publish(ev models.TransitionEvent)
}

// Journal records events after they are published. Failures never undo a transition.
type Journal interface {
	Append(ctx context.Context, ev models.TransitionEvent) error
}

type edge struct {
	from []models.State
	to   models.State
}

var transitionMap = map[models.Action]edge{
	models.ActionCall:   {from: []models.State{models.StateWaiting}, to: models.StateCalled},
	models.ActionStart:  {from: []models.State{models.StateCalled}, to: models.StateInProgress},
	models.ActionRecall: {from: []models.State{models.StateCalled}, to: models.StateWaiting},
	models.ActionCancel: {from: []models.State{models.StateWaiting, models.StateCalled}, to: models.StateCancelled},
	models.ActionNoShow: {from: []models.State{models.StateCalled}, to: models.StateNoShow},
	models.ActionFinish: {from: []models.State{models.StateInProgress}, to: models.StateCompleted},
}

// ValidTransition reports whether action may be applied to an entry in state from, and the
// resulting state.
func ValidTransition(action models.Action, from models.State) (models.State, bool) {
	e, ok := transitionMap[action]
	if !ok {
		return "", false
	}
	for _, st := range e.from {
		if st == from {
			return e.to, true
		}
	}
	return "", false
}

// AdmitRequest - permintaan pendaftaran pasien ke antrian
type AdmitRequest struct {
	PatientRef  string
	RequestedAt time.Time
	Actor       string
}

// TransitionRequest - permintaan perubahan state dari operator atau scheduler
type TransitionRequest struct {
	EntryID         string
	ExpectedVersion int64
	Action          models.Action
	Actor           string
	Reason          string
	// Override lets an operator call an entry that is not next in line.
	Override bool
}

type EngineOptions struct {
	Store     Store
	Allocator Allocator
	Publisher Publisher
	Journal   Journal
	Patients  PatientDirectory
	Rooms     int
	Location  *time.Location
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Engine applies admissions and transitions for one clinic instance.
type Engine struct {
	store     Store
	alloc     Allocator
	publisher Publisher
	journal   Journal
	patients  PatientDirectory
	query     *QueryService
	slots     *ActiveSlots
	locks     *entryLocks
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewEngine wires the engine and seeds the room counter from entries already active in the
// store, so a restart over durable storage keeps the limit.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	if opts.Store == nil || opts.Allocator == nil {
		return nil, fmt.Errorf("engine needs a store and an allocator")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	e := &Engine{
		store:     opts.Store,
		alloc:     opts.Allocator,
		publisher: opts.Publisher,
		journal:   opts.Journal,
		patients:  opts.Patients,
		query:     NewQueryService(opts.Store, opts.Allocator, opts.Location),
		slots:     NewActiveSlots(opts.Rooms),
		locks:     newEntryLocks(),
		now:       opts.Clock,
		logger:    opts.Logger.Named("engine"),
		metrics:   opts.Metrics,
	}

	active, err := opts.Store.ListByState(ctx, models.StateCalled, models.StateInProgress)
	if err != nil {
		return nil, fmt.Errorf("seed active rooms: %w", err)
	}
	today := e.query.ServiceDate(e.now())
	for _, a := range active {
		// the scheduler only expires CALLED entries; an earlier day's consultation keeps its
		// room until someone finishes or cancels it
		if a.ServiceDate != today {
			e.logger.Warn("active entry from an earlier service date holds a room",
				zap.String("entry_id", a.EntryID),
				zap.String("queue_number", a.QueueNumber),
				zap.String("service_date", a.ServiceDate),
				zap.String("state", string(a.State)))
		}
		if !e.slots.TryAcquire(a.EntryID) {
			e.logger.Warn("more active entries than rooms",
				zap.String("entry_id", a.EntryID),
				zap.Int("rooms", e.slots.Capacity()))
		}
	}
	e.metrics.SetActiveRooms(e.slots.InUse())

	return e, nil
}

func (e *Engine) Query() *QueryService {
	return e.query
}

func (e *Engine) Slots() *ActiveSlots {
	return e.slots
}

// Admit allocates a queue number and creates a WAITING entry.
func (e *Engine) Admit(ctx context.Context, req AdmitRequest) (models.QueueEntry, error) {
	if req.PatientRef == "" {
		return models.QueueEntry{}, newError(KindInvalidRequest, "patient_ref is required")
	}

	if e.patients != nil {
		ok, err := e.patients.Exists(ctx, req.PatientRef)
		if err != nil {
			return models.QueueEntry{}, err
		}
		if !ok {
			return models.QueueEntry{}, newError(KindNotFound,
				fmt.Sprintf("patient %s not found", req.PatientRef))
		}
	}

	at := req.RequestedAt
	if at.IsZero() {
		at = e.now()
	}
	local := at.In(e.query.Location())

	number, err := e.alloc.Allocate(ctx, local)
	if err != nil {
		e.metrics.TransitionFailed(ActionAdmit, string(KindOf(err)))
		return models.QueueEntry{}, err
	}

	admitted := local
	entry := models.QueueEntry{
		EntryID:     uuid.NewString(),
		QueueNumber: number,
		ServiceDate: e.query.ServiceDate(local),
		PatientRef:  req.PatientRef,
		State:       models.StateWaiting,
		AdmittedAt:  &admitted,
		Version:     1,
	}

	unlock := e.locks.lock(entry.EntryID)
	defer unlock()

	if err := e.store.Create(ctx, entry); err != nil {
		e.metrics.TransitionFailed(ActionAdmit, string(KindOf(err)))
		return models.QueueEntry{}, err
	}

	e.emit(ctx, models.TransitionEvent{
		EntryID:     entry.EntryID,
		QueueNumber: entry.QueueNumber,
		ServiceDate: entry.ServiceDate,
		ToState:     models.StateWaiting,
		Action:      ActionAdmit,
		Version:     entry.Version,
		OccurredAt:  admitted,
		Actor:       req.Actor,
	})
	e.metrics.Admitted()

	e.logger.Info("patient admitted",
		zap.String("entry_id", entry.EntryID),
		zap.String("queue_number", entry.QueueNumber),
		zap.String("actor", req.Actor))

	return entry, nil
}

// Apply validates and applies one transition with optimistic concurrency.
func (e *Engine) Apply(ctx context.Context, req TransitionRequest) (models.QueueEntry, error) {
	updated, err := e.apply(ctx, req)
	if err != nil {
		e.metrics.TransitionFailed(string(req.Action), string(KindOf(err)))
		e.logger.Debug("transition rejected",
			zap.String("entry_id", req.EntryID),
			zap.String("action", string(req.Action)),
			zap.Int64("expected_version", req.ExpectedVersion),
			zap.Error(err))
		return models.QueueEntry{}, err
	}
	return updated, nil
}

func (e *Engine) apply(ctx context.Context, req TransitionRequest) (models.QueueEntry, error) {
	if _, known := transitionMap[req.Action]; !known {
		return models.QueueEntry{}, newError(KindInvalidTransition,
			fmt.Sprintf("unknown action %q", req.Action))
	}
	if req.Action == models.ActionCancel && req.Reason == "" {
		return models.QueueEntry{}, newError(KindInvalidRequest, "cancel requires a reason")
	}

	unlock := e.locks.lock(req.EntryID)
	defer unlock()

	current, err := e.store.Get(ctx, req.EntryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if current.Version != req.ExpectedVersion {
		return models.QueueEntry{}, entryError(KindStaleVersion,
			fmt.Sprintf("expected version %d", req.ExpectedVersion), current)
	}
	if _, ok := ValidTransition(req.Action, current.State); !ok {
		return models.QueueEntry{}, entryError(KindInvalidTransition,
			fmt.Sprintf("cannot %s from %s", req.Action, current.State), current)
	}

	acquired := false
	if req.Action == models.ActionCall {
		if !req.Override {
			next, err := e.query.nextEligibleOn(ctx, current.ServiceDate)
			if err != nil {
				return models.QueueEntry{}, err
			}
			if next == nil || next.EntryID != current.EntryID {
				return models.QueueEntry{}, entryError(KindInvalidTransition,
					"entry is not next in line", current)
			}
		}
		if !e.slots.TryAcquire(current.EntryID) {
			return models.QueueEntry{}, entryError(KindCapacityBusy,
				fmt.Sprintf("all %d consultation rooms are occupied", e.slots.Capacity()), current)
		}
		acquired = true
	}

	at := e.now().In(e.query.Location())
	var from models.State
	updated, err := e.store.CompareAndSwap(ctx, req.EntryID, req.ExpectedVersion, func(en *models.QueueEntry) error {
		to, ok := ValidTransition(req.Action, en.State)
		if !ok {
			return entryError(KindInvalidTransition,
				fmt.Sprintf("cannot %s from %s", req.Action, en.State), *en)
		}
		from = en.State
		stamp(en, req, to, at)
		return nil
	})
	if err != nil {
		if acquired {
			e.slots.Release(req.EntryID)
		}
		return models.QueueEntry{}, err
	}

	if from.Active() && !updated.State.Active() {
		e.slots.Release(updated.EntryID)
	}
	e.metrics.SetActiveRooms(e.slots.InUse())

	e.emit(ctx, models.TransitionEvent{
		EntryID:     updated.EntryID,
		QueueNumber: updated.QueueNumber,
		ServiceDate: updated.ServiceDate,
		FromState:   from,
		ToState:     updated.State,
		Action:      string(req.Action),
		Version:     updated.Version,
		OccurredAt:  at,
		Actor:       req.Actor,
		Reason:      req.Reason,
	})
	e.metrics.Transitioned(string(req.Action), string(updated.State))

	e.logger.Info("transition applied",
		zap.String("entry_id", updated.EntryID),
		zap.String("queue_number", updated.QueueNumber),
		zap.String("from", string(from)),
		zap.String("to", string(updated.State)),
		zap.Int64("version", updated.Version),
		zap.String("actor", req.Actor))

	return updated, nil
}

// stamp sets the state and the timestamp belonging to the transition. A re-call after a
// recall moves called_at forward so the no-response window restarts.
func stamp(en *models.QueueEntry, req TransitionRequest, to models.State, at time.Time) {
	t := at
	en.State = to
	switch to {
	case models.StateCalled:
		en.CalledAt = &t
	case models.StateInProgress:
		en.StartedAt = &t
	case models.StateCompleted, models.StateNoShow:
		en.FinishedAt = &t
	case models.StateCancelled:
		en.FinishedAt = &t
		reason := req.Reason
		en.CancellationReason = &reason
	}
}

// CallNext calls the oldest WAITING entry of date.
func (e *Engine) CallNext(ctx context.Context, date time.Time, actor string) (models.QueueEntry, error) {
	next, err := e.query.NextEligible(ctx, date)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if next == nil {
		return models.QueueEntry{}, newError(KindNotFound, "no waiting entry")
	}

	return e.Apply(ctx, TransitionRequest{
		EntryID:         next.EntryID,
		ExpectedVersion: next.Version,
		Action:          models.ActionCall,
		Actor:           actor,
	})
}

// emit runs while the entry lock is held, so publish order matches version order.
func (e *Engine) emit(ctx context.Context, ev models.TransitionEvent) {
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
	if e.journal != nil {
		if err := e.journal.Append(ctx, ev); err != nil {
			e.logger.Warn("journal append failed",
				zap.String("entry_id", ev.EntryID),
				zap.Int64("version", ev.Version),
				zap.Error(err))
		}
	}
}
