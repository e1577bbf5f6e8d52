package synlog

import (
	"context"
	"testing"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"moul.io/basesync/pkg/model"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleResult() model.SyncResult {
	now := time.Unix(5000, 0).UTC()
	return model.SyncResult{
		SyncConfigID: "cfg-1",
		Added:        2,
		Updated:      1,
		Deleted:      0,
		Total:        3,
		Errors: []model.SyncIssue{
			{Kind: model.ErrValidation, Message: "bad value", RecordID: "rec1", RowIndex: 4},
		},
		StartedAt: now,
		EndedAt:   now.Add(2 * time.Second),
		Duration:  2 * time.Second,
	}
}

func TestSink_Write_WithoutDB_OnlyLogs(t *testing.T) {
	sink, err := New(zap.NewNop(), nil)
	require.NoError(t, err)
	require.NoError(t, sink.Write(context.Background(), sampleResult()))
}

func TestSink_Write_WithDB_PersistsRow(t *testing.T) {
	db := openTestDB(t)
	sink, err := New(zap.NewNop(), db)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), sampleResult()))

	var rows []syncLogRow
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, "cfg-1", rows[0].SyncConfigID)
	require.Equal(t, 2, rows[0].Added)
	require.Contains(t, rows[0].ErrorsJSON, "bad value")
}

func TestSink_Write_AppendsAcrossMultipleRuns(t *testing.T) {
	db := openTestDB(t)
	sink, err := New(zap.NewNop(), db)
	require.NoError(t, err)

	require.NoError(t, sink.Write(context.Background(), sampleResult()))
	require.NoError(t, sink.Write(context.Background(), sampleResult()))

	var count int
	require.NoError(t, db.Model(&syncLogRow{}).Count(&count).Error)
	require.Equal(t, 2, count)
}
