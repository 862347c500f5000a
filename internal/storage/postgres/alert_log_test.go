package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitewatch/internal/crawler"
)

func TestRecordInsertsChangeAlert(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	log, err := NewAlertLogWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	alert := crawler.Alert{
		ID:     "a-1",
		Kind:   crawler.AlertChangedPage,
		SiteID: "site",
		URL:    "https://example.com/a",
		At:     now,
		Details: &crawler.ChangeDetails{
			AddedText: []string{"hello"},
			Summary:   "Added 1 text blocks",
		},
		SnapshotRef: "gs://bucket/example.com/abc/page.html",
	}

	mock.ExpectExec("INSERT INTO page_alerts").
		WithArgs(
			"a-1", "site", "changed_page", "https://example.com/a", now, 0,
			(*time.Time)(nil), "Added 1 text blocks", pgxmock.AnyArg(),
			"", "gs://bucket/example.com/abc/page.html",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, log.Record(context.Background(), alert))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDeletedAlertUsesMessage(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	log, err := NewAlertLogWithPool(mock, "alerts_v2")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	last := now.Add(-24 * time.Hour)
	mock.ExpectExec("INSERT INTO alerts_v2").
		WithArgs(
			"a-2", "site", "deleted_page", "https://example.com/gone", now, 404,
			&last, "page returned 404", []byte(nil), "", "",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = log.Record(context.Background(), crawler.Alert{
		ID: "a-2", Kind: crawler.AlertDeletedPage, SiteID: "site",
		URL: "https://example.com/gone", At: now, StatusCode: 404,
		LastSuccessAt: &last, Message: "page returned 404",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordWrapsExecError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	log, err := NewAlertLogWithPool(mock, "")
	require.NoError(t, err)
	mock.ExpectExec("INSERT INTO page_alerts").WillReturnError(errors.New("connection reset"))

	err = log.Record(context.Background(), crawler.Alert{ID: "a-3", Kind: crawler.AlertError})
	require.ErrorIs(t, err, crawler.ErrPersistence)
}

func TestAlertLogValidation(t *testing.T) {
	t.Parallel()

	_, err := NewAlertLogWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewAlertLogWithPool(mock, "bad;table")
	require.Error(t, err)

	log, err := NewAlertLogWithPool(mock, "")
	require.NoError(t, err)
	require.Error(t, log.Record(context.Background(), crawler.Alert{}))

	_, err = NewAlertLog(context.Background(), Config{})
	require.Error(t, err)

	var nilLog *AlertLog
	require.Error(t, nilLog.Record(context.Background(), crawler.Alert{ID: "x"}))
	nilLog.Close()
}
