package queue

import (
	"context"
	"database/sql"
	"fmt"
)

// PatientDirectory answers whether a patient record exists. The record store itself lives
// outside this service; admission only needs the existence check.
type PatientDirectory interface {
	Exists(ctx context.Context, patientRef string) (bool, error)
}

// MySQLPatientDirectory checks the patient table of the clinic record database.
type MySQLPatientDirectory struct {
	db    *sql.DB
	query string
}

func NewMySQLPatientDirectory(db *sql.DB, table string) *MySQLPatientDirectory {
	if table == "" {
		table = "patients"
	}
	return &MySQLPatientDirectory{
		db:    db,
		query: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = ?", table),
	}
}

func (d *MySQLPatientDirectory) Exists(ctx context.Context, patientRef string) (bool, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, d.query, patientRef).Scan(&count); err != nil {
		return false, fmt.Errorf("lookup patient %s: %w", patientRef, err)
	}
	return count > 0, nil
}
