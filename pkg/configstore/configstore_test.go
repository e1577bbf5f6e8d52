package configstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"moul.io/basesync/pkg/engine"
	"moul.io/basesync/pkg/model"
)

func TestStore_GetUnknownID_ReturnsError(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
}

func TestStore_PutThenGet(t *testing.T) {
	s := New()
	s.Put(model.SyncConfig{ID: "cfg-1", OwnerUserID: "user-1"})

	got, err := s.Get(context.Background(), "cfg-1")
	require.NoError(t, err)
	require.Equal(t, "cfg-1", got.ID)
	require.Equal(t, "user-1", got.OwnerUserID)
}

func TestStore_Put_ReplacesExisting(t *testing.T) {
	s := New()
	s.Put(model.SyncConfig{ID: "cfg-1", OwnerUserID: "user-1"})
	s.Put(model.SyncConfig{ID: "cfg-1", OwnerUserID: "user-2"})

	got, err := s.Get(context.Background(), "cfg-1")
	require.NoError(t, err)
	require.Equal(t, "user-2", got.OwnerUserID)
}

func TestStaticTokens_ForUser_ReturnsConfiguredToken(t *testing.T) {
	tokens := NewStaticTokens("airtable-tok", "sheets-tok")

	at, err := tokens.ForUser(context.Background(), "any-user", engine.ProviderAirtable)
	require.NoError(t, err)
	require.Equal(t, "airtable-tok", at.Value)

	sh, err := tokens.ForUser(context.Background(), "any-user", engine.ProviderSheets)
	require.NoError(t, err)
	require.Equal(t, "sheets-tok", sh.Value)
}

func TestStaticTokens_ForUser_UnknownProvider(t *testing.T) {
	tokens := NewStaticTokens("airtable-tok", "sheets-tok")
	_, err := tokens.ForUser(context.Background(), "any-user", engine.Provider("unknown"))
	require.Error(t, err)
}

func TestStaticTokens_Refresh_IsNoOp(t *testing.T) {
	tokens := NewStaticTokens("airtable-tok", "sheets-tok")
	require.NoError(t, tokens.Refresh(context.Background(), "any-user", engine.ProviderAirtable))
}
