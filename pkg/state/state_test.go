package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"moul.io/basesync/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite3", ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Get_FirstRunReturnsNilWithoutError(t *testing.T) {
	store := openTestStore(t)
	got, err := store.Get(context.Background(), "cfg-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStore_PutThenGet_RoundTripsState(t *testing.T) {
	store := openTestStore(t)

	in := model.SyncState{
		SyncConfigID: "cfg-1",
		Records: map[string]model.RecordState{
			"rec1": {RecordID: "rec1", ContentHash: "abc123", CapturedAt: time.Unix(1000, 0).UTC()},
		},
		LastSyncTime: time.Unix(2000, 0).UTC(),
	}
	require.NoError(t, store.Put(context.Background(), "cfg-1", in))

	got, err := store.Get(context.Background(), "cfg-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "cfg-1", got.SyncConfigID)
	require.Equal(t, in.LastSyncTime.Unix(), got.LastSyncTime.Unix())
	require.Equal(t, in.Records["rec1"].ContentHash, got.Records["rec1"].ContentHash)
}

func TestStore_Put_UpsertsOnSecondCall(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := model.SyncState{
		SyncConfigID: "cfg-1",
		Records:      map[string]model.RecordState{"rec1": {RecordID: "rec1", ContentHash: "v1"}},
	}
	require.NoError(t, store.Put(ctx, "cfg-1", first))

	second := model.SyncState{
		SyncConfigID: "cfg-1",
		Records:      map[string]model.RecordState{"rec1": {RecordID: "rec1", ContentHash: "v2"}},
	}
	require.NoError(t, store.Put(ctx, "cfg-1", second))

	got, err := store.Get(ctx, "cfg-1")
	require.NoError(t, err)
	require.Equal(t, "v2", got.Records["rec1"].ContentHash)

	var count int
	require.NoError(t, store.DB().Table("sync_states").Where("sync_config_id = ?", "cfg-1").Count(&count).Error)
	require.Equal(t, 1, count, "Put must upsert, not insert a second row")
}

func TestStore_Clear_RemovesState(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "cfg-1", model.SyncState{SyncConfigID: "cfg-1"}))
	require.NoError(t, store.Clear(ctx, "cfg-1"))

	got, err := store.Get(ctx, "cfg-1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStore_KeepsStatesSeparateByConfigID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "cfg-1", model.SyncState{
		SyncConfigID: "cfg-1",
		Records:      map[string]model.RecordState{"rec1": {RecordID: "rec1", ContentHash: "a"}},
	}))
	require.NoError(t, store.Put(ctx, "cfg-2", model.SyncState{
		SyncConfigID: "cfg-2",
		Records:      map[string]model.RecordState{"rec1": {RecordID: "rec1", ContentHash: "b"}},
	}))

	got1, err := store.Get(ctx, "cfg-1")
	require.NoError(t, err)
	got2, err := store.Get(ctx, "cfg-2")
	require.NoError(t, err)

	require.Equal(t, "a", got1.Records["rec1"].ContentHash)
	require.Equal(t, "b", got2.Records["rec1"].ContentHash)
}
