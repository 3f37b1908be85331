package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"dwoj/internal/common/db"
	"dwoj/internal/judge/model"
	appErr "dwoj/pkg/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T, driver string) (*SQLSubmissionStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return NewSQLSubmissionStore(db.Wrap(sqlDB, driver)), mock
}

var rowColumns = []string{"id", "problem_id", "user_id", "username", "language", "code", "status", "time", "case_results", "error_info"}

func TestSQLStoreGetParsesCaseResults(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t, db.DriverMySQL)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + submissionColumns + " FROM submissions WHERE id = ?")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(rowColumns).
			AddRow(5, 2, 3, "alice", "python", "print(1)", "Wrong Answer", "2024-01-01 10:00:00", `[{"name":"1","status":"AC"},{"name":"2","status":"WA"}]`, nil))

	sub, err := store.Get(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, model.StatusWrongAnswer, sub.Status)
	require.Equal(t, []model.CaseResult{{Name: "1", Status: model.CaseAC}, {Name: "2", Status: model.CaseWA}}, sub.CaseResults)
	require.Nil(t, sub.ErrorInfo)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetMalformedCaseResultsIsEmpty(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t, db.DriverMySQL)
	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows(rowColumns).
			AddRow(5, 2, 3, "alice", "python", "x", "Pending", "", "{oops", "old error"))

	sub, err := store.Get(context.Background(), 5)
	require.NoError(t, err)
	require.Empty(t, sub.CaseResults)
	require.NotNil(t, sub.CaseResults)
	require.Equal(t, "old error", sub.ErrorText())
}

func TestSQLStoreGetMissingRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t, db.DriverMySQL)
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(rowColumns))

	_, err := store.Get(context.Background(), 404)
	require.Equal(t, appErr.SubmissionNotFound, appErr.GetCode(err))
}

func TestSQLStoreSaveVerdictRebindsForPostgres(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t, db.DriverPostgres)
	sub := &model.Submission{ID: 7, Status: model.StatusRuntimeError, CaseResults: []model.CaseResult{{Name: "1", Status: model.CaseAC}}}
	sub.SetError("Time Limit Exceeded")

	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET status = $1, error_info = $2, case_results = $3 WHERE id = $4")).
		WithArgs("Runtime Error", "Time Limit Exceeded", `[{"name":"1","status":"AC"}]`, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SaveVerdict(context.Background(), sub))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSaveVerdictNullErrorAndEmptyResults(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t, db.DriverMySQL)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET status = ?, error_info = ?, case_results = ? WHERE id = ?")).
		WithArgs("Data Error", nil, "[]", int64(8)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SaveVerdict(context.Background(), &model.Submission{ID: 8, Status: model.StatusDataError}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSaveVerdictFailure(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t, db.DriverMySQL)
	mock.ExpectExec("UPDATE submissions").WillReturnError(errors.New("connection reset"))

	err := store.SaveVerdict(context.Background(), &model.Submission{ID: 9, Status: model.StatusAccepted})
	require.Equal(t, appErr.DatabaseError, appErr.GetCode(err))
}

func TestSQLStoreMarkPending(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t, db.DriverMySQL)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE submissions SET status = ?, error_info = NULL WHERE id = ?")).
		WithArgs("Pending", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.MarkPending(context.Background(), 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSchemaPerDriver(t *testing.T) {
	t.Parallel()
	require.Contains(t, Schema(db.DriverMySQL)[0], "AUTO_INCREMENT")
	require.Contains(t, Schema(db.DriverPostgres)[0], "BIGSERIAL")
	require.Len(t, Schema(db.DriverPostgres), 2)
}
