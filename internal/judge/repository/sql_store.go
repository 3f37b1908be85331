package repository

import (
	"context"
	"database/sql"

	"dwoj/internal/common/db"
	"dwoj/internal/judge/model"
	appErr "dwoj/pkg/errors"
	"dwoj/pkg/utils/logger"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const submissionColumns = "id, problem_id, user_id, username, language, code, status, time, case_results, error_info"

// Schema returns the DDL of the submissions table for a driver.
func Schema(driver string) []string {
	if driver == db.DriverPostgres {
		return []string{`CREATE TABLE IF NOT EXISTS submissions (
	id BIGSERIAL PRIMARY KEY,
	problem_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL DEFAULT 0,
	username VARCHAR(64) NOT NULL DEFAULT '',
	language VARCHAR(32) NOT NULL,
	code TEXT NOT NULL,
	status VARCHAR(32) NOT NULL DEFAULT 'Pending',
	time VARCHAR(32) NOT NULL DEFAULT '',
	case_results TEXT NULL,
	error_info TEXT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_submissions_problem ON submissions (problem_id)`,
		}
	}
	return []string{`CREATE TABLE IF NOT EXISTS submissions (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	problem_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL DEFAULT 0,
	username VARCHAR(64) NOT NULL DEFAULT '',
	language VARCHAR(32) NOT NULL,
	code MEDIUMTEXT NOT NULL,
	status VARCHAR(32) NOT NULL DEFAULT 'Pending',
	time VARCHAR(32) NOT NULL DEFAULT '',
	case_results MEDIUMTEXT NULL,
	error_info TEXT NULL,
	INDEX idx_submissions_problem (problem_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`}
}

type submissionRow struct {
	ID          int64          `db:"id"`
	ProblemID   int64          `db:"problem_id"`
	UserID      int64          `db:"user_id"`
	Username    string         `db:"username"`
	Language    string         `db:"language"`
	Code        string         `db:"code"`
	Status      string         `db:"status"`
	Time        string         `db:"time"`
	CaseResults sql.NullString `db:"case_results"`
	ErrorInfo   sql.NullString `db:"error_info"`
}

// SQLSubmissionStore reads and writes the submissions table through sqlx.
type SQLSubmissionStore struct {
	db *sqlx.DB
}

// NewSQLSubmissionStore creates a store. Placeholders are rebound for the connection's driver.
func NewSQLSubmissionStore(database *sqlx.DB) *SQLSubmissionStore {
	return &SQLSubmissionStore{db: database}
}

func (s *SQLSubmissionStore) Get(ctx context.Context, id int64) (*model.Submission, error) {
	var row submissionRow
	query := s.db.Rebind("SELECT " + submissionColumns + " FROM submissions WHERE id = ?")
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if db.IsNoRows(err) {
			return nil, notFound(id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load submission failed")
	}

	sub := &model.Submission{
		ID:        row.ID,
		ProblemID: row.ProblemID,
		UserID:    row.UserID,
		Username:  row.Username,
		Language:  row.Language,
		Code:      row.Code,
		Status:    model.Status(row.Status),
		Time:      row.Time,
	}
	if row.ErrorInfo.Valid {
		sub.SetError(row.ErrorInfo.String)
	}
	results, err := model.DecodeCaseResults(row.CaseResults.String)
	if err != nil {
		logger.Error(ctx, "stored case results are malformed, treating as empty",
			zap.Int64("submission_id", id), zap.Error(err))
	}
	sub.CaseResults = results
	return sub, nil
}

func (s *SQLSubmissionStore) SaveVerdict(ctx context.Context, sub *model.Submission) error {
	results, err := model.EncodeCaseResults(sub.CaseResults)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "encode case results failed")
	}
	var errorInfo sql.NullString
	if sub.ErrorInfo != nil {
		errorInfo = sql.NullString{String: *sub.ErrorInfo, Valid: true}
	}
	query := s.db.Rebind("UPDATE submissions SET status = ?, error_info = ?, case_results = ? WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, string(sub.Status), errorInfo, results, sub.ID); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "save verdict failed")
	}
	return nil
}

func (s *SQLSubmissionStore) MarkPending(ctx context.Context, id int64) error {
	query := s.db.Rebind("UPDATE submissions SET status = ?, error_info = NULL WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, string(model.StatusPending), id); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "mark pending failed")
	}
	return nil
}
