package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/lims-autoverify-server/internal/domain"
)

// ResultRepository persists patient result values and serves the previous
// value lookups the delta checks depend on.
type ResultRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewResultRepository creates a new result repository
func NewResultRepository(db *pgxpool.Pool, logger *logrus.Logger) *ResultRepository {
	return &ResultRepository{
		db:  db,
		log: logger,
	}
}

// SaveResult stores one result value. A re-run for the same ID replaces the
// stored row so reprocessing stays idempotent.
func (r *ResultRepository) SaveResult(ctx context.Context, result *domain.ResultValue) error {
	query := `
		INSERT INTO results (id, test_id, patient_id, sample_id, instrument_id,
							 value, coded_value, unit, measured_at, supersedes_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			value = EXCLUDED.value,
			coded_value = EXCLUDED.coded_value,
			unit = EXCLUDED.unit,
			measured_at = EXCLUDED.measured_at,
			supersedes_id = EXCLUDED.supersedes_id`

	_, err := r.db.Exec(ctx, query,
		result.ID, result.TestID, result.PatientID, result.SampleID, result.InstrumentID,
		result.Value, nullableString(result.CodedValue), result.Unit,
		result.Timestamp, nullableString(result.SupersedesID))
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"result_id": result.ID,
			"error":     err,
		}).Error("Failed to save result")
		return fmt.Errorf("saving result: %w", err)
	}
	return nil
}

// GetPreviousResult returns the patient's most recent stored value for the
// test, or nil when the patient has no history. Superseded rows are skipped
// so a corrected result never deltas against the value it replaced.
func (r *ResultRepository) GetPreviousResult(ctx context.Context, patientID, testID string) (*domain.ResultValue, error) {
	query := `
		SELECT id, test_id, patient_id, sample_id, instrument_id,
			   value, coded_value, unit, measured_at, supersedes_id
		FROM results r
		WHERE patient_id = $1 AND test_id = $2
		  AND NOT EXISTS (
			SELECT 1 FROM results s WHERE s.supersedes_id = r.id
		  )
		ORDER BY measured_at DESC
		LIMIT 1`

	result := &domain.ResultValue{}
	var codedValue, supersedesID *string

	err := r.db.QueryRow(ctx, query, patientID, testID).Scan(
		&result.ID, &result.TestID, &result.PatientID, &result.SampleID, &result.InstrumentID,
		&result.Value, &codedValue, &result.Unit, &result.Timestamp, &supersedesID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying previous result: %w", err)
	}

	if codedValue != nil {
		result.CodedValue = *codedValue
	}
	if supersedesID != nil {
		result.SupersedesID = *supersedesID
	}
	return result, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
