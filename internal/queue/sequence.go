package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"clinic-queue/internal/models"
)

// MaxDailySequence is the last number that fits the 3-digit queue number suffix.
const MaxDailySequence = 999

// Allocator issues per-day queue numbers. Numbers are never reused within a day and the
// sequence restarts at 1 on the first allocation of a new date.
type Allocator interface {
	Allocate(ctx context.Context, date time.Time) (string, error)
	// Current returns the highest sequence issued for date, 0 when none.
	Current(ctx context.Context, date time.Time) (int, error)
}

// DayKey formats date (already in clinic-local time) as YYYYMMDD.
func DayKey(date time.Time) string {
	return date.Format("20060102")
}

// FormatQueueNumber builds Q<YYYYMMDD>-<seq>.
func FormatQueueNumber(date time.Time, seq int) string {
	return fmt.Sprintf("Q%s-%03d", DayKey(date), seq)
}

type dayCounter struct {
	mu   sync.Mutex
	last int
}

// MemoryAllocator keeps one mutex-guarded counter per date.
type MemoryAllocator struct {
	mu   sync.Mutex
	days map[string]*dayCounter
}

func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{days: make(map[string]*dayCounter)}
}

func (a *MemoryAllocator) counter(key string) *dayCounter {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.days[key]
	if !ok {
		c = &dayCounter{}
		a.days[key] = c
	}
	return c
}

func (a *MemoryAllocator) Allocate(ctx context.Context, date time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c := a.counter(DayKey(date))
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last >= MaxDailySequence {
		return "", newError(KindCapacityExceeded,
			fmt.Sprintf("sequence for %s exhausted at %d", DayKey(date), MaxDailySequence))
	}
	c.last++
	return FormatQueueNumber(date, c.last), nil
}

func (a *MemoryAllocator) Current(_ context.Context, date time.Time) (int, error) {
	c := a.counter(DayKey(date))
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, nil
}

// Seed raises the counter for date to at least last. Used on startup with a durable store
// so a restarted in-memory allocator does not hand out numbers already on disk.
func (a *MemoryAllocator) Seed(date time.Time, last int) {
	c := a.counter(DayKey(date))
	c.mu.Lock()
	if last > c.last {
		c.last = last
	}
	c.mu.Unlock()
}

// HighestSequence returns the largest sequence suffix among entries, 0 when none parse.
func HighestSequence(entries []models.QueueEntry) int {
	highest := 0
	for _, e := range entries {
		i := strings.LastIndexByte(e.QueueNumber, '-')
		if i < 0 {
			continue
		}
		n, err := strconv.Atoi(e.QueueNumber[i+1:])
		if err == nil && n > highest {
			highest = n
		}
	}
	return highest
}
