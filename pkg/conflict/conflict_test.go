package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moul.io/basesync/pkg/model"
)

func TestClassify_FirstRun(t *testing.T) {
	airtable := HashedSide{"recA": "h1", "recB": "h2"}
	sheet := HashedSide{"row_0": "h3"}
	classifications := Classify(airtable, sheet, nil)

	byID := map[string]Classification{}
	for _, c := range classifications {
		byID[c.RecordID] = c
	}
	assert.Equal(t, NewInAirtable, byID["recA"].Kind)
	assert.Equal(t, NewInAirtable, byID["recB"].Kind)
	assert.Equal(t, NewInSheets, byID["row_0"].Kind)
}

func TestClassify_Scenario4_BothModified_AirtableWins(t *testing.T) {
	last := map[string]model.RecordState{
		"recA": {RecordID: "recA", ContentHash: "H0"},
	}
	airtable := HashedSide{"recA": "H1"} // Name: Alicia
	sheet := HashedSide{"recA": "H2"}    // Name: Allie

	classifications := Classify(airtable, sheet, last)
	require.Len(t, classifications, 1)
	c := classifications[0]
	assert.Equal(t, Conflict, c.Kind)
	assert.Equal(t, model.BothModified, c.ConflictKind)

	resolutions := ResolveConflicts(classifications, model.AirtableWins)
	require.Len(t, resolutions, 1)
	assert.Equal(t, model.UseAirtable, resolutions[0].Action)
}

func TestClassify_NoChange(t *testing.T) {
	last := map[string]model.RecordState{"recA": {RecordID: "recA", ContentHash: "H0"}}
	airtable := HashedSide{"recA": "H0"}
	sheet := HashedSide{"recA": "H0"}
	classifications := Classify(airtable, sheet, last)
	require.Len(t, classifications, 1)
	assert.Equal(t, NoChange, classifications[0].Kind)
}

func TestClassify_DeletionPropagation(t *testing.T) {
	last := map[string]model.RecordState{"recA": {RecordID: "recA", ContentHash: "H0"}}

	// Airtable deleted, sheet unchanged -> airtableOnlyChange(delete)
	c1 := Classify(HashedSide{}, HashedSide{"recA": "H0"}, last)
	require.Len(t, c1, 1)
	assert.Equal(t, AirtableOnlyChange, c1[0].Kind)
	assert.True(t, c1[0].Deleted)

	// Sheet row deleted, airtable unchanged -> sheetsOnlyChange(delete)
	c2 := Classify(HashedSide{"recA": "H0"}, HashedSide{}, last)
	require.Len(t, c2, 1)
	assert.Equal(t, SheetsOnlyChange, c2[0].Kind)
	assert.True(t, c2[0].Deleted)
}

func TestClassify_DeletedInAirtableConflict(t *testing.T) {
	last := map[string]model.RecordState{"recA": {RecordID: "recA", ContentHash: "H0"}}
	// absent on airtable, sheet changed -> conflict DELETED_IN_AIRTABLE
	classifications := Classify(HashedSide{}, HashedSide{"recA": "H1"}, last)
	require.Len(t, classifications, 1)
	assert.Equal(t, Conflict, classifications[0].Kind)
	assert.Equal(t, model.DeletedInAirtable, classifications[0].ConflictKind)
}

func TestResolveConflicts_NewestWinsDegradation(t *testing.T) {
	classifications := []Classification{
		{RecordID: "r1", Kind: Conflict, ConflictKind: model.BothModified},
		{RecordID: "r2", Kind: Conflict, ConflictKind: model.DeletedInAirtable},
		{RecordID: "r3", Kind: Conflict, ConflictKind: model.DeletedInSheets},
	}
	resolutions := ResolveConflicts(classifications, model.NewestWins)
	byID := map[string]model.Resolution{}
	for _, r := range resolutions {
		byID[r.RecordID] = r
	}
	assert.Equal(t, model.UseAirtable, byID["r1"].Action, "both-modified degrades to airtable_wins")
	assert.Equal(t, model.DeleteBoth, byID["r2"].Action, "deletions treated as newer than edits")
	assert.Equal(t, model.DeleteBoth, byID["r3"].Action, "deletions treated as newer than edits")
}
