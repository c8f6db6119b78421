package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"clinic-queue/internal/models"
)

const (
	serviceDateLayout = "2006-01-02"
	maxRangeDays      = 31
)

// Filter narrows a date listing. An empty States slice means every state.
type Filter struct {
	States []models.State
}

// QueryService builds read-only projections from store snapshots.
type QueryService struct {
	store Store
	alloc Allocator
	loc   *time.Location
}

func NewQueryService(store Store, alloc Allocator, loc *time.Location) *QueryService {
	if loc == nil {
		loc = time.Local
	}
	return &QueryService{store: store, alloc: alloc, loc: loc}
}

func (q *QueryService) Location() *time.Location {
	return q.loc
}

// ServiceDate returns the clinic-local calendar day of t as YYYY-MM-DD.
func (q *QueryService) ServiceDate(t time.Time) string {
	return t.In(q.loc).Format(serviceDateLayout)
}

// ParseDate accepts YYYY-MM-DD or YYYYMMDD in clinic-local time. Empty means today.
func (q *QueryService) ParseDate(s string, now time.Time) (time.Time, error) {
	if s == "" {
		n := now.In(q.loc)
		return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, q.loc), nil
	}
	for _, layout := range []string{serviceDateLayout, "20060102"} {
		if t, err := time.ParseInLocation(layout, s, q.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, newError(KindInvalidQuery, fmt.Sprintf("invalid date %q", s))
}

// ParseStates converts filter names into states, rejecting unknown names.
func ParseStates(names []string) ([]models.State, error) {
	out := make([]models.State, 0, len(names))
	for _, n := range names {
		st, ok := models.ParseState(n)
		if !ok {
			return nil, newError(KindInvalidQuery, fmt.Sprintf("unknown state %q", n))
		}
		out = append(out, st)
	}
	return out, nil
}

func (q *QueryService) checkDate(date time.Time) error {
	if date.IsZero() {
		return newError(KindInvalidQuery, "date is required")
	}
	return nil
}

// SortEntries orders by admission time, then queue number.
func SortEntries(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entryBefore(entries[i], entries[j])
	})
}

func entryBefore(a, b models.QueueEntry) bool {
	switch {
	case a.AdmittedAt != nil && b.AdmittedAt != nil:
		if !a.AdmittedAt.Equal(*b.AdmittedAt) {
			return a.AdmittedAt.Before(*b.AdmittedAt)
		}
	case a.AdmittedAt != nil:
		return true
	case b.AdmittedAt != nil:
		return false
	}
	return a.QueueNumber < b.QueueNumber
}

func (q *QueryService) Get(ctx context.Context, entryID string) (models.QueueEntry, error) {
	return q.store.Get(ctx, entryID)
}

// List returns the entries of date matching filter, ordered by admission.
func (q *QueryService) List(ctx context.Context, date time.Time, filter Filter) ([]models.QueueEntry, error) {
	if err := q.checkDate(date); err != nil {
		return nil, err
	}

	entries, err := q.store.ListByDate(ctx, q.ServiceDate(date))
	if err != nil {
		return nil, err
	}

	if len(filter.States) > 0 {
		want := make(map[models.State]bool, len(filter.States))
		for _, st := range filter.States {
			want[st] = true
		}
		kept := entries[:0]
		for _, e := range entries {
			if want[e.State] {
				kept = append(kept, e)
			}
		}
		entries = kept
	}

	SortEntries(entries)
	return entries, nil
}

// ListRange concatenates List over every day in [from, to].
func (q *QueryService) ListRange(ctx context.Context, from, to time.Time, filter Filter) ([]models.QueueEntry, error) {
	if err := q.checkDate(from); err != nil {
		return nil, err
	}
	if err := q.checkDate(to); err != nil {
		return nil, err
	}

	start, _ := time.ParseInLocation(serviceDateLayout, q.ServiceDate(from), q.loc)
	end, _ := time.ParseInLocation(serviceDateLayout, q.ServiceDate(to), q.loc)
	if start.After(end) {
		return nil, newError(KindInvalidQuery, "range start is after range end")
	}
	if end.Sub(start) > maxRangeDays*24*time.Hour {
		return nil, newError(KindInvalidQuery, fmt.Sprintf("range longer than %d days", maxRangeDays))
	}

	var out []models.QueueEntry
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		day, err := q.List(ctx, d, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, day...)
	}
	return out, nil
}

// ActiveQueue is the day's non-terminal entries ordered by admission.
func (q *QueryService) ActiveQueue(ctx context.Context, date time.Time) ([]models.QueueEntry, error) {
	return q.List(ctx, date, Filter{States: []models.State{
		models.StateWaiting,
		models.StateCalled,
		models.StateInProgress,
	}})
}

// CountByState reports every state, including zero counts.
func (q *QueryService) CountByState(ctx context.Context, date time.Time) (map[models.State]int, error) {
	entries, err := q.List(ctx, date, Filter{})
	if err != nil {
		return nil, err
	}

	counts := make(map[models.State]int, len(models.AllStates))
	for _, st := range models.AllStates {
		counts[st] = 0
	}
	for _, e := range entries {
		counts[e.State]++
	}
	return counts, nil
}

// NextEligible returns the oldest WAITING entry of date, or nil when nobody waits.
func (q *QueryService) NextEligible(ctx context.Context, date time.Time) (*models.QueueEntry, error) {
	if err := q.checkDate(date); err != nil {
		return nil, err
	}
	return q.nextEligibleOn(ctx, q.ServiceDate(date))
}

func (q *QueryService) nextEligibleOn(ctx context.Context, serviceDate string) (*models.QueueEntry, error) {
	entries, err := q.store.ListByDate(ctx, serviceDate)
	if err != nil {
		return nil, err
	}

	var next *models.QueueEntry
	for i := range entries {
		if entries[i].State != models.StateWaiting {
			continue
		}
		if next == nil || entryBefore(entries[i], *next) {
			next = &entries[i]
		}
	}
	return next, nil
}

// LastIssued is the highest sequence handed out for date.
func (q *QueryService) LastIssued(ctx context.Context, date time.Time) (int, error) {
	if err := q.checkDate(date); err != nil {
		return 0, err
	}
	return q.alloc.Current(ctx, date.In(q.loc))
}
