package queue

import (
	"context"
	"fmt"
	"sync"

	"clinic-queue/internal/models"
)

// Mutator edits a private copy of an entry. Returning an error aborts the swap and leaves
// the stored entry untouched.
type Mutator func(e *models.QueueEntry) error

// Store is the authoritative table of queue entries. CompareAndSwap is the only mutation
// path after Create.
type Store interface {
	Create(ctx context.Context, e models.QueueEntry) error
	Get(ctx context.Context, entryID string) (models.QueueEntry, error)
	CompareAndSwap(ctx context.Context, entryID string, expectedVersion int64, mutate Mutator) (models.QueueEntry, error)
	ListByDate(ctx context.Context, serviceDate string) ([]models.QueueEntry, error)
	ListByState(ctx context.Context, states ...models.State) ([]models.QueueEntry, error)
}

// applyMutation runs mutate on a copy of current and restores the fields no transition may
// touch. The result carries version current+1.
func applyMutation(current models.QueueEntry, mutate Mutator) (models.QueueEntry, error) {
	next := current.Clone()
	if err := mutate(&next); err != nil {
		return models.QueueEntry{}, err
	}

	next.EntryID = current.EntryID
	next.QueueNumber = current.QueueNumber
	next.ServiceDate = current.ServiceDate
	next.PatientRef = current.PatientRef
	next.Version = current.Version + 1
	return next, nil
}

type record struct {
	mu    sync.Mutex
	entry models.QueueEntry
}

// MemoryStore keeps entries in process memory. Each entry has its own lock so swaps on
// different entries never contend.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*record
	byNumber map[string]string   // service_date|queue_number -> entry id
	byDate   map[string][]string // service_date -> entry ids in insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*record),
		byNumber: make(map[string]string),
		byDate:   make(map[string][]string),
	}
}

func numberKey(serviceDate, queueNumber string) string {
	return serviceDate + "|" + queueNumber
}

func (s *MemoryStore) Create(ctx context.Context, e models.QueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[e.EntryID]; exists {
		return fmt.Errorf("entry %s already exists", e.EntryID)
	}
	nk := numberKey(e.ServiceDate, e.QueueNumber)
	if other, exists := s.byNumber[nk]; exists {
		return fmt.Errorf("queue number %s already held by entry %s", e.QueueNumber, other)
	}

	s.records[e.EntryID] = &record{entry: e.Clone()}
	s.byNumber[nk] = e.EntryID
	s.byDate[e.ServiceDate] = append(s.byDate[e.ServiceDate], e.EntryID)
	return nil
}

func (s *MemoryStore) lookup(entryID string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[entryID]
	return r, ok
}

func (s *MemoryStore) Get(_ context.Context, entryID string) (models.QueueEntry, error) {
	r, ok := s.lookup(entryID)
	if !ok {
		return models.QueueEntry{}, &Error{Kind: KindNotFound, Message: "entry not found", EntryID: entryID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry.Clone(), nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, entryID string, expectedVersion int64, mutate Mutator) (models.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.QueueEntry{}, err
	}

	r, ok := s.lookup(entryID)
	if !ok {
		return models.QueueEntry{}, &Error{Kind: KindNotFound, Message: "entry not found", EntryID: entryID}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entry.Version != expectedVersion {
		return models.QueueEntry{}, entryError(KindStaleVersion,
			fmt.Sprintf("expected version %d", expectedVersion), r.entry)
	}

	next, err := applyMutation(r.entry, mutate)
	if err != nil {
		return models.QueueEntry{}, err
	}
	r.entry = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListByDate(_ context.Context, serviceDate string) ([]models.QueueEntry, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.byDate[serviceDate]...)
	recs := make([]*record, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, s.records[id])
	}
	s.mu.RUnlock()

	out := make([]models.QueueEntry, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		out = append(out, r.entry.Clone())
		r.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) ListByState(_ context.Context, states ...models.State) ([]models.QueueEntry, error) {
	want := make(map[models.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}

	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.RUnlock()

	var out []models.QueueEntry
	for _, r := range recs {
		r.mu.Lock()
		if want[r.entry.State] {
			out = append(out, r.entry.Clone())
		}
		r.mu.Unlock()
	}
	return out, nil
}
