package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clinic-queue/internal/models"

	"github.com/go-sql-driver/mysql"
)

// Schema creates the entry table. The unique key enforces one queue number per day.
const Schema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	id                  CHAR(36)     NOT NULL PRIMARY KEY,
	queue_number        VARCHAR(16)  NOT NULL,
	service_date        CHAR(10)     NOT NULL,
	patient_ref         VARCHAR(64)  NOT NULL,
	state               VARCHAR(16)  NOT NULL,
	admitted_at         DATETIME(6)  NULL,
	called_at           DATETIME(6)  NULL,
	started_at          DATETIME(6)  NULL,
	finished_at         DATETIME(6)  NULL,
	version             BIGINT       NOT NULL,
	cancellation_reason VARCHAR(255) NULL,
	UNIQUE KEY uq_queue_entries_day_number (service_date, queue_number),
	KEY idx_queue_entries_state (state)
)`

const selectEntryColumns = `
	SELECT id, queue_number, service_date, patient_ref, state,
	       admitted_at, called_at, started_at, finished_at,
	       version, cancellation_reason
	FROM queue_entries`

const mysqlDuplicateEntry = 1062

// MySQLStore persists entries in MySQL. Swaps are guarded by the version column, so two
// writers holding the same version cannot both win.
type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// EnsureSchema creates the table if it does not exist yet.
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create queue_entries: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var (
		e        models.QueueEntry
		state    string
		reason   sql.NullString
		admitted sql.NullTime
		called   sql.NullTime
		started  sql.NullTime
		finished sql.NullTime
	)

	err := row.Scan(
		&e.EntryID,
		&e.QueueNumber,
		&e.ServiceDate,
		&e.PatientRef,
		&state,
		&admitted,
		&called,
		&started,
		&finished,
		&e.Version,
		&reason,
	)
	if err != nil {
		return e, err
	}

	e.State = models.State(state)
	e.AdmittedAt = nullTimePtr(admitted)
	e.CalledAt = nullTimePtr(called)
	e.StartedAt = nullTimePtr(started)
	e.FinishedAt = nullTimePtr(finished)
	if reason.Valid {
		r := reason.String
		e.CancellationReason = &r
	}
	return e, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func stringArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func (s *MySQLStore) Create(ctx context.Context, e models.QueueEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries
		(id, queue_number, service_date, patient_ref, state,
		 admitted_at, called_at, started_at, finished_at, version, cancellation_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.EntryID, e.QueueNumber, e.ServiceDate, e.PatientRef, string(e.State),
		timeArg(e.AdmittedAt), timeArg(e.CalledAt), timeArg(e.StartedAt), timeArg(e.FinishedAt),
		e.Version, stringArg(e.CancellationReason),
	)

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("queue number %s on %s already exists: %w", e.QueueNumber, e.ServiceDate, err)
	}
	if err != nil {
		return fmt.Errorf("insert entry %s: %w", e.EntryID, err)
	}
	return nil
}

func (s *MySQLStore) Get(ctx context.Context, entryID string) (models.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, selectEntryColumns+` WHERE id = ?`, entryID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueEntry{}, &Error{Kind: KindNotFound, Message: "entry not found", EntryID: entryID}
	}
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("get entry %s: %w", entryID, err)
	}
	return e, nil
}

func (s *MySQLStore) CompareAndSwap(ctx context.Context, entryID string, expectedVersion int64, mutate Mutator) (models.QueueEntry, error) {
	current, err := s.Get(ctx, entryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if current.Version != expectedVersion {
		return models.QueueEntry{}, entryError(KindStaleVersion,
			fmt.Sprintf("expected version %d", expectedVersion), current)
	}

	next, err := applyMutation(current, mutate)
	if err != nil {
		return models.QueueEntry{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET state = ?,
		    called_at = ?,
		    started_at = ?,
		    finished_at = ?,
		    cancellation_reason = ?,
		    version = ?
		WHERE id = ? AND version = ?
	`,
		string(next.State),
		timeArg(next.CalledAt), timeArg(next.StartedAt), timeArg(next.FinishedAt),
		stringArg(next.CancellationReason),
		next.Version,
		entryID, expectedVersion,
	)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("update entry %s: %w", entryID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("update entry %s: %w", entryID, err)
	}
	if affected == 0 {
		// lost the race between read and update
		latest, err := s.Get(ctx, entryID)
		if err != nil {
			return models.QueueEntry{}, err
		}
		return models.QueueEntry{}, entryError(KindStaleVersion,
			fmt.Sprintf("expected version %d", expectedVersion), latest)
	}
	return next, nil
}

func (s *MySQLStore) ListByDate(ctx context.Context, serviceDate string) ([]models.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		selectEntryColumns+` WHERE service_date = ? ORDER BY admitted_at ASC, queue_number ASC`,
		serviceDate)
	if err != nil {
		return nil, fmt.Errorf("list entries for %s: %w", serviceDate, err)
	}
	return collectEntries(rows)
}

func (s *MySQLStore) ListByState(ctx context.Context, states ...models.State) ([]models.QueueEntry, error) {
	if len(states) == 0 {
		return nil, nil
	}

	query := selectEntryColumns + ` WHERE state IN (?` + repeatPlaceholder(len(states)-1) + `)`
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries by state: %w", err)
	}
	return collectEntries(rows)
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func collectEntries(rows *sql.Rows) ([]models.QueueEntry, error) {
	defer rows.Close()

	var out []models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
