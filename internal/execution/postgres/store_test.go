package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/adsheet/crawlerd/internal/crawljob"
)

func TestCreateInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStore(mock)
	require.NoError(t, err)

	scheduled := time.Unix(1700000000, 0).UTC()
	ex := crawljob.Execution{
		ID:          "exec-1",
		CrawlerID:   "crawler-1",
		Status:      crawljob.ExecutionPending,
		ScheduledAt: scheduled,
	}
	meta, err := json.Marshal(ex.Metadata)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO executions").
		WithArgs(
			ex.ID, ex.CrawlerID, string(ex.Status), ex.ScheduledAt,
			ex.StartedAt, ex.CompletedAt, ex.ErrorMessage, ex.RetryCount, meta,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), ex))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRequiresExistingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStore(mock)
	require.NoError(t, err)

	ex := crawljob.Execution{
		ID:     "exec-missing",
		Status: crawljob.ExecutionRunning,
	}
	meta, err := json.Marshal(ex.Metadata)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE executions SET").
		WithArgs(
			ex.ID, string(ex.Status), ex.StartedAt, ex.CompletedAt,
			ex.ErrorMessage, ex.RetryCount, meta,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.Update(context.Background(), ex)
	require.ErrorContains(t, err, "not found")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStore(mock)
	require.NoError(t, err)

	scheduled := time.Unix(1700000000, 0).UTC()
	started := scheduled.Add(time.Second)
	meta := []byte(`{"rows_processed":12,"duration_ms":900}`)

	mock.ExpectQuery("SELECT id, crawler_id, status").
		WithArgs("exec-2").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "crawler_id", "status", "scheduled_at", "started_at",
			"completed_at", "error_message", "retry_count", "metadata",
		}).AddRow(
			"exec-2", "crawler-9", "RUNNING", scheduled, &started,
			(*time.Time)(nil), "", 1, meta,
		))

	ex, err := store.Get(context.Background(), "exec-2")
	require.NoError(t, err)
	require.Equal(t, crawljob.ExecutionRunning, ex.Status)
	require.Equal(t, "crawler-9", ex.CrawlerID)
	require.Equal(t, 1, ex.RetryCount)
	require.Equal(t, 12, ex.Metadata.RowsProcessed)
	require.NotNil(t, ex.StartedAt)
	require.Nil(t, ex.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByCrawlerPaginates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewStore(mock)
	require.NoError(t, err)

	scheduled := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT id, crawler_id, status").
		WithArgs("crawler-1", 10, 20).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "crawler_id", "status", "scheduled_at", "started_at",
			"completed_at", "error_message", "retry_count", "metadata",
		}).AddRow(
			"exec-3", "crawler-1", "COMPLETED", scheduled, (*time.Time)(nil),
			(*time.Time)(nil), "", 0, []byte(`{}`),
		))

	list, err := store.ListByCrawler(context.Background(), "crawler-1", 10, 20)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, crawljob.ExecutionCompleted, list[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
