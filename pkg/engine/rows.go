package engine

import (
	"fmt"
	"strconv"
	"strings"

	"moul.io/basesync/pkg/model"
)

// normalizeCell reduces a cell to its canonical comparison string:
// trimmed strings, numbers formatted canonically, booleans as
// TRUE/FALSE, nil/undefined/empty treated identically, per spec.md
// section 4.5's row-equality rule.
func normalizeCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprintf("%v", x)
	}
}

// areRowsEqual implements spec.md section 4.5's areRowsEqual: element-wise
// equality after normalization, with missing trailing cells treated as
// empty.
func areRowsEqual(a, b model.SheetRow) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if normalizeCell(a.Get(i)) != normalizeCell(b.Get(i)) {
			return false
		}
	}
	return true
}

// columnMapping returns cfg.FieldMappings if set, else a positional
// mapping (table field order -> column 0,1,2,...), per spec.md section
// 4.1 ("or positional if absent").
func columnMapping(cfg model.SyncConfig, table model.Table) []model.FieldMapping {
	if len(cfg.FieldMappings) > 0 {
		return cfg.FieldMappings
	}
	out := make([]model.FieldMapping, 0, len(table.Fields))
	col := 0
	for _, f := range table.Fields {
		if f.Type.ReadOnly() && f.ID != table.PrimaryFieldID {
			// Read-only fields still get a positional column on the A->S
			// side (they are readable); only the S->A write side filters
			// them out (spec.md section 4.6 step 2).
		}
		out = append(out, model.FieldMapping{AirtableFieldID: f.ID, ColumnIndex: col})
		col++
	}
	return out
}

// writableColumnMapping filters columnMapping down to writable
// (non-read-only) fields, ordered by column index, per spec.md section
// 4.6 step 2.
func writableColumnMapping(cfg model.SyncConfig, table model.Table) []model.FieldMapping {
	all := columnMapping(cfg, table)
	out := make([]model.FieldMapping, 0, len(all))
	for _, m := range all {
		field, ok := table.FieldByID(m.AirtableFieldID)
		if !ok || field.Type.ReadOnly() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// idColumnRange builds the "A:<letter>" range spec.md section 4.6 step 1
// requires, wide enough to always include the id-column even if the
// sheet currently has fewer populated columns.
func idColumnRange(sheetName string, idColumnIndex int) string {
	letter := ColumnLetter(idColumnIndex)
	if sheetName == "" {
		return fmt.Sprintf("A:%s", letter)
	}
	return fmt.Sprintf("%s!A:%s", sheetName, letter)
}

// indexRowsByID scans rows for their id-column value, skipping blank ids
// (spec.md section 4.4's identity rule: blank id-column means
// sheet-originated, keyed synthetically elsewhere). startRow is 0 unless
// SkipHeaderRow is set, in which case it's 1.
func indexRowsByID(rows []model.SheetRow, idColumnIndex, startRow int) map[string]int {
	out := make(map[string]int)
	for i := startRow; i < len(rows); i++ {
		id, _ := rows[i].Get(idColumnIndex).(string)
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = i
	}
	return out
}
