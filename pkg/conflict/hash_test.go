package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moul.io/basesync/pkg/model"
)

func TestHashRecord_OrderIndependence(t *testing.T) {
	a := map[string]interface{}{"Name": "Alice", "Age": 30.0}
	b := map[string]interface{}{"Age": 30.0, "Name": "Alice"}
	require.Equal(t, HashRecord(a), HashRecord(b))
}

func TestHashRecord_EpsilonRounding(t *testing.T) {
	a := map[string]interface{}{"Score": 1.2345678}
	b := map[string]interface{}{"Score": 1.2345678 + 1e-7}
	assert.Equal(t, HashRecord(a), HashRecord(b))
}

func TestHashRecord_TrimAndSortedLinks(t *testing.T) {
	a := map[string]interface{}{
		"Name":  "  Alice  ",
		"Links": []model.RecordLink{{ID: "recB"}, {ID: "recA"}},
	}
	b := map[string]interface{}{
		"Name":  "Alice",
		"Links": []model.RecordLink{{ID: "recA"}, {ID: "recB"}},
	}
	assert.Equal(t, HashRecord(a), HashRecord(b))
}

func TestHashRow_IDColumnIrrelevance(t *testing.T) {
	row1 := model.SheetRow{"Alice", 30.0, "recA"}
	row2 := model.SheetRow{"Alice", 30.0, "recB"}
	assert.Equal(t, HashRow(row1, 2), HashRow(row2, 2))
}

func TestHashRow_ContentChangeDetected(t *testing.T) {
	row1 := model.SheetRow{"Alice", 30.0, "recA"}
	row2 := model.SheetRow{"Alicia", 30.0, "recA"}
	assert.NotEqual(t, HashRow(row1, 2), HashRow(row2, 2))
}
