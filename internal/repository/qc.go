package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/lims-autoverify-server/internal/domain"
	"github.com/lims-autoverify-server/internal/service"
)

// QCRepository persists QC series. Appends are serialized per series by
// locking the qc_levels row for the duration of the read-evaluate-insert
// transaction, so every frozen point was judged against the exact prior
// history.
type QCRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewQCRepository creates a new QC repository
func NewQCRepository(db *pgxpool.Pool, logger *logrus.Logger) *QCRepository {
	return &QCRepository{
		db:  db,
		log: logger,
	}
}

// GetQCLevel returns the level definition with its assay-sheet targets, or
// nil when the level is not configured.
func (r *QCRepository) GetQCLevel(ctx context.Context, qcTestID, levelID string) (*domain.QCLevel, error) {
	level, err := r.scanLevel(ctx, r.db, qcTestID, levelID, false)
	if err != nil {
		return nil, fmt.Errorf("querying QC level: %w", err)
	}
	return level, nil
}

// GetQCHistory returns the most recent points of a series, oldest first.
func (r *QCRepository) GetQCHistory(ctx context.Context, qcTestID, levelID string, limit int) ([]domain.QCResult, error) {
	return r.queryHistory(ctx, r.db, qcTestID, levelID, limit)
}

// querier covers the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *QCRepository) queryHistory(ctx context.Context, q querier, qcTestID, levelID string, limit int) ([]domain.QCResult, error) {
	query := `
		SELECT id, qc_test_id, level_id, value, measured_at, performed_by, violations
		FROM (
			SELECT id, qc_test_id, level_id, value, measured_at, performed_by, violations
			FROM qc_results
			WHERE qc_test_id = $1 AND level_id = $2
			ORDER BY measured_at DESC, id DESC
			LIMIT $3
		) recent
		ORDER BY measured_at ASC, id ASC`

	rows, err := q.Query(ctx, query, qcTestID, levelID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying QC history: %w", err)
	}
	defer rows.Close()

	var history []domain.QCResult
	for rows.Next() {
		var point domain.QCResult
		var performedBy *string
		var violations []string

		if err := rows.Scan(&point.ID, &point.QCTestID, &point.LevelID,
			&point.Value, &point.Timestamp, &performedBy, &violations); err != nil {
			return nil, fmt.Errorf("scanning QC point: %w", err)
		}
		if performedBy != nil {
			point.PerformedBy = *performedBy
		}
		point.Violations = toWestgardCodes(violations)
		history = append(history, point)
	}
	return history, rows.Err()
}

func (r *QCRepository) scanLevel(ctx context.Context, q querier, qcTestID, levelID string, forUpdate bool) (*domain.QCLevel, error) {
	query := `
		SELECT qc_test_id, level_id, target_mean, target_sd
		FROM qc_levels
		WHERE qc_test_id = $1 AND level_id = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}

	level := &domain.QCLevel{}
	err := q.QueryRow(ctx, query, qcTestID, levelID).
		Scan(&level.QCTestID, &level.LevelID, &level.TargetMean, &level.TargetSD)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return level, nil
}

// AppendAndEvaluate appends one control point inside a transaction that
// holds the series lock across the history read, the evaluation callback,
// and the insert of the frozen violations.
func (r *QCRepository) AppendAndEvaluate(ctx context.Context, point *domain.QCResult,
	evaluate func(history []domain.QCResult, level *domain.QCLevel) *service.QCEvaluation) (*service.QCEvaluation, error) {

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The level row is the lock for the whole series. A missing row is an
	// unconfigured series; appends to it are rejected rather than silently
	// creating an untargeted level.
	level, err := r.scanLevel(ctx, tx, point.QCTestID, point.LevelID, true)
	if err != nil {
		return nil, fmt.Errorf("locking QC level: %w", err)
	}
	if level == nil {
		return nil, domain.NewEngineError(domain.ErrInvalidInput,
			fmt.Sprintf("QC level %s/%s is not configured", point.QCTestID, point.LevelID), "", "")
	}

	history, err := r.queryHistory(ctx, tx, point.QCTestID, point.LevelID, westgardHistoryLimit)
	if err != nil {
		return nil, err
	}

	evaluation := evaluate(history, level)

	violations := make([]string, len(evaluation.Violations))
	for i, v := range evaluation.Violations {
		violations[i] = string(v)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO qc_results (id, qc_test_id, level_id, value, measured_at, performed_by, violations)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		point.ID, point.QCTestID, point.LevelID, point.Value, point.Timestamp,
		nullableString(point.PerformedBy), violations)
	if err != nil {
		return nil, fmt.Errorf("inserting QC point: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing QC append: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"qc_test_id": point.QCTestID,
		"level_id":   point.LevelID,
		"violations": violations,
	}).Debug("QC point appended")
	return evaluation, nil
}

// westgardHistoryLimit bounds the prior history read for rule evaluation.
// The widest rule looks back ten points; the window statistic needs the
// configured window, so this comfortably covers both defaults.
const westgardHistoryLimit = 50

// LatestStatistics returns the most recent window of a series together with
// its level definition for statistics snapshots.
func (r *QCRepository) LatestStatistics(ctx context.Context, qcTestID, levelID string, windowSize int) ([]domain.QCResult, *domain.QCLevel, error) {
	level, err := r.GetQCLevel(ctx, qcTestID, levelID)
	if err != nil {
		return nil, nil, err
	}
	if level == nil {
		return nil, nil, domain.NewEngineError(domain.ErrInvalidInput,
			fmt.Sprintf("QC level %s/%s is not configured", qcTestID, levelID), "", "")
	}

	history, err := r.queryHistory(ctx, r.db, qcTestID, levelID, windowSize)
	if err != nil {
		return nil, nil, err
	}
	return history, level, nil
}

func toWestgardCodes(raw []string) []domain.WestgardCode {
	if len(raw) == 0 {
		return nil
	}
	codes := make([]domain.WestgardCode, len(raw))
	for i, v := range raw {
		codes[i] = domain.WestgardCode(v)
	}
	return codes
}
