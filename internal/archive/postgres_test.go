package archive

import (
	"context"
	"errors"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/titration-sim/internal/titration"
)

func TestPostgresStore_SaveRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPostgresStoreWithExec(mock)
	rec := sampleRecord("run-1", "sc-1")
	rec.Strategy = "multi_drug"
	rec.Difficulty = "adversarial"

	endpoint := string(titration.EndpointCompleteSuccess)
	mock.ExpectExec("INSERT INTO titration_records").
		WithArgs("run-1", "sc-1", "titration", "completed", "multi_drug", "adversarial",
			&endpoint, true, pgxmock.AnyArg(), "recommendation_complete",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveRecord(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailedRecordHasNoEndpoint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPostgresStoreWithExec(mock)
	rec := sampleRecord("run-1", "sc-2")
	rec.Status = titration.StatusFailed
	rec.Outcome = nil

	var noEndpoint *string
	mock.ExpectExec("INSERT INTO titration_records").
		WithArgs("run-1", "sc-2", "titration", "failed", "", "",
			noEndpoint, false, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveRecord(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExecError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPostgresStoreWithExec(mock)
	mock.ExpectExec("INSERT INTO titration_summaries").WillReturnError(errors.New("connection reset"))

	err = store.SaveSummary(context.Background(), &titration.BatchSummary{ID: "summary_x", RunID: "run-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "summary_x")
	require.NoError(t, mock.ExpectationsWereMet())
}
