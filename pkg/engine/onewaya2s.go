package engine

import (
	"context"
	"fmt"
	"sort"

	"moul.io/basesync/pkg/conflict"
	"moul.io/basesync/pkg/fieldmap"
	"moul.io/basesync/pkg/model"
	"moul.io/basesync/pkg/ratelimit"
	"moul.io/basesync/pkg/synerr"
	"moul.io/basesync/pkg/validate"
)

// runOneWayAirtableToSheets implements OneWaySyncAirtableToSheets, spec.md
// section 4.5: Airtable is authoritative, every row the sheet ends up with
// is derived from an Airtable record.
func runOneWayAirtableToSheets(rs *runState, prior model.SyncState) model.SyncState {
	e := rs.engine
	cfg := rs.cfg
	next := prior.Clone()

	table, err := fetchTable(rs.ctx, e, cfg)
	if err != nil {
		rs.recordError(synerr.Wrap(model.ErrFetch, err, "fetch base schema").Issue())
		return next
	}

	if cfg.ResolveLinkedRecords {
		preloadLinkedTables(rs, table)
		if rs.isAborted() {
			return next
		}
	}

	var records []model.AirtableRecord
	err = e.AirtableInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "list airtable records"}, func(ctx context.Context) error {
		recs, ferr := e.Airtable.ListRecords(ctx, cfg.AirtableBaseID, cfg.AirtableTableID, ListOptions{})
		if ferr != nil {
			return ferr
		}
		records = recs
		return nil
	})
	if err != nil {
		rs.recordError(synerr.Wrap(model.ErrFetch, err, "list airtable records").Issue())
		return next
	}

	mapping := columnMapping(cfg, table)
	fmCtx := fieldmap.Context{Resolver: rs.resolver, BaseID: cfg.AirtableBaseID, Config: cfg, Mode: cfg.ValidationMode}

	desiredByID := make(map[string]model.SheetRow, len(records))
	order := make([]string, 0, len(records))
	for _, record := range records {
		row := buildSheetRow(fmCtx, rs, record, table, mapping, cfg.IDColumnIndex)
		if rs.isAborted() {
			return next
		}
		desiredByID[record.ID] = row
		order = append(order, record.ID)
		next.Records[record.ID] = model.RecordState{
			RecordID:    record.ID,
			ContentHash: conflict.HashRecord(record.Fields),
			CapturedAt:  record.CreatedTime,
		}
	}

	startRow := 0
	if cfg.SkipHeaderRow {
		startRow = 1
	}

	var existing []model.SheetRow
	err = e.SheetsInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "read sheet data"}, func(ctx context.Context) error {
		rows, ferr := e.Sheets.GetSheetData(ctx, cfg.SpreadsheetID, cfg.SheetName, idColumnRange(cfg.SheetName, cfg.IDColumnIndex))
		if ferr != nil {
			return ferr
		}
		existing = rows
		return nil
	})
	if err != nil {
		rs.recordError(synerr.Wrap(model.ErrFetch, err, "read sheet data").Issue())
		return next
	}

	existingByID := indexRowsByID(existing, cfg.IDColumnIndex, startRow)

	matrix := make([]model.SheetRow, len(existing))
	copy(matrix, existing)

	added, updated := 0, 0
	for _, id := range order {
		desired := desiredByID[id]
		if rowIdx, ok := existingByID[id]; ok {
			if !areRowsEqual(matrix[rowIdx], desired) {
				matrix[rowIdx] = desired
				updated++
			}
			continue
		}
		matrix = append(matrix, desired)
		added++
	}

	desiredSet := make(map[string]bool, len(order))
	for _, id := range order {
		desiredSet[id] = true
	}

	var deleteRows []int
	deleted := 0
	if cfg.DeleteExtras {
		for i := 0; i < len(matrix); i++ {
			id, _ := matrix[i].Get(cfg.IDColumnIndex).(string)
			if id != "" && !desiredSet[id] {
				deleted++
				delete(next.Records, id)
				deleteRows = append(deleteRows, i)
			}
		}
	} else {
		for id := range existingByID {
			if !desiredSet[id] {
				rs.recordIssue(synerr.New(model.ErrWrite, "sheet row's airtable record no longer exists, left in place (deleteExtras is false)").WithRecord(id).Issue())
			}
		}
	}

	if added == 0 && updated == 0 && deleted == 0 {
		return next
	}

	if added > 0 || updated > 0 {
		writeSheetMatrix(rs, matrix)
		if rs.isAborted() {
			return next
		}
	}

	deleteSheetRows(rs, deleteRows)
	if rs.isAborted() {
		return next
	}

	if err := ensureIDColumnWidth(rs); err != nil {
		rs.recordIssue(synerr.New(model.ErrWrite, "ensure id column exists: "+err.Error()).Issue())
	}
	if err := e.Sheets.HideColumn(rs.ctx, cfg.SpreadsheetID, cfg.SheetID, cfg.IDColumnIndex); err != nil {
		rs.recordIssue(synerr.New(model.ErrWrite, "hide id column: "+err.Error()).Issue())
	}

	rs.addCounts(added, updated, deleted)
	return next
}

// deleteSheetRows removes rows (by 0-based index, descending so earlier
// deletes never invalidate a later index) via Sheets.DeleteRows, one row
// at a time since rows are rarely contiguous. A local matrix
// truncate-and-rewrite would leave the removed rows' cells stranded past
// the shorter range a subsequent UpdateSheetData covers, so deletion goes
// straight through the provider's dimension-delete call instead.
func deleteSheetRows(rs *runState, rows []int) {
	if len(rows) == 0 {
		return
	}
	e := rs.engine
	cfg := rs.cfg
	sort.Sort(sort.Reverse(sort.IntSlice(rows)))
	for _, idx := range rows {
		idx := idx
		err := e.SheetsInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "delete sheet row"}, func(ctx context.Context) error {
			return e.Sheets.DeleteRows(ctx, cfg.SpreadsheetID, cfg.SheetID, idx, 1)
		})
		if err != nil {
			rs.recordIssue(synerr.Wrap(model.ErrWrite, err, "delete sheet row").WithRow(idx).Issue())
		}
	}
}

// ensureIDColumnWidth grows the sheet's grid to cover the id column
// before anything writes into it, per spec.md section 4.6 step 9.
func ensureIDColumnWidth(rs *runState) error {
	e := rs.engine
	cfg := rs.cfg
	return e.Sheets.EnsureColumnsExist(rs.ctx, cfg.SpreadsheetID, cfg.SheetID, cfg.IDColumnIndex+1)
}

// fetchTable retrieves cfg's target table's schema.
func fetchTable(ctx context.Context, e *Engine, cfg model.SyncConfig) (model.Table, error) {
	tables, err := e.Airtable.GetBaseSchema(ctx, cfg.AirtableBaseID)
	if err != nil {
		return model.Table{}, err
	}
	for _, t := range tables {
		if t.ID == cfg.AirtableTableID {
			return t, nil
		}
	}
	return model.Table{}, fmt.Errorf("table %s not found in base %s", cfg.AirtableTableID, cfg.AirtableBaseID)
}

// preloadLinkedTables warms the resolver's cache for every
// multipleRecordLinks field in table, bounded by the engine's fan-out, per
// spec.md section 4.2.
func preloadLinkedTables(rs *runState, table model.Table) {
	linkedTableIDs := make(map[string]bool)
	for _, f := range table.Fields {
		if f.Type == model.FieldMultipleRecordLinks && f.LinkedTableID != "" {
			linkedTableIDs[f.LinkedTableID] = true
		}
	}
	if len(linkedTableIDs) == 0 {
		return
	}

	sem := make(chan struct{}, rs.engine.FanOut)
	done := make(chan error, len(linkedTableIDs))
	for tableID := range linkedTableIDs {
		tableID := tableID
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			_, _, err := rs.resolver.PreloadTable(rs.ctx, rs.cfg.AirtableBaseID, tableID)
			done <- err
		}()
	}
	for i := 0; i < len(linkedTableIDs); i++ {
		if err := <-done; err != nil {
			rs.recordIssue(synerr.Wrap(model.ErrLinkedRecord, err, "preload linked table").Issue())
		}
	}
}

// buildSheetRow converts one Airtable record to a sheet row using mapping,
// recording any fieldmap.Issue as a SyncIssue and aborting the caller's loop
// (by returning after isAborted becomes true) in strict mode.
func buildSheetRow(fmCtx fieldmap.Context, rs *runState, record model.AirtableRecord, table model.Table, mapping []model.FieldMapping, idColumnIndex int) model.SheetRow {
	var row model.SheetRow
	for _, m := range mapping {
		field, ok := table.FieldByID(m.AirtableFieldID)
		if !ok {
			continue
		}
		value := record.Fields[field.Name]
		cell, issues := fieldmap.AirtableToCell(fmCtx, value, field)
		for _, issue := range fieldmap.ToSyncIssues(issues, record.ID, 0) {
			if rs.recordIssue(issue) {
				return row
			}
		}
		if s, ok := cell.(string); ok {
			sanitized, vIssues := validate.SanitizeForSheet(field.Name, 0, s)
			sanitized, tIssues := validate.TruncateForSheet(field.Name, 0, sanitized)
			cell = sanitized
			for _, synIssue := range validate.ToSyncIssues(append(vIssues, tIssues...)) {
				synIssue.RecordID = record.ID
				if rs.recordIssue(synIssue) {
					return row
				}
			}
		}
		row = row.Ensure(m.ColumnIndex)
		row[m.ColumnIndex] = cell
	}
	row = row.Ensure(idColumnIndex)
	row[idColumnIndex] = record.ID
	return row
}

// writeSheetMatrix rewrites the range from column A through the widest
// row's last column (the id column when every row is empty) in chunks of
// cfg.SheetsBatch rows, via the sheets invoker.
func writeSheetMatrix(rs *runState, matrix []model.SheetRow) {
	e := rs.engine
	cfg := rs.cfg

	startRow := 0
	if cfg.SkipHeaderRow {
		startRow = 1
	}

	width := 0
	for _, row := range matrix {
		if len(row) > width {
			width = len(row)
		}
	}
	lastCol := ColumnLetter(width - 1)
	if width == 0 {
		lastCol = ColumnLetter(cfg.IDColumnIndex)
	}

	batches := chunkRows(matrix[startRow:], cfg.SheetsBatch)
	rowCursor := startRow
	for _, batch := range batches {
		first := rowCursor + 1 // 1-based for A1 notation
		last := rowCursor + len(batch)
		rangeA1 := fmt.Sprintf("A%d:%s%d", first, lastCol, last)
		if cfg.SheetName != "" {
			rangeA1 = cfg.SheetName + "!" + rangeA1
		}
		batch := batch
		err := e.SheetsInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "write sheet rows"}, func(ctx context.Context) error {
			return e.Sheets.UpdateSheetData(ctx, cfg.SpreadsheetID, cfg.SheetName, rangeA1, batch)
		})
		if err != nil {
			rs.recordError(synerr.Wrap(model.ErrWrite, err, "write sheet rows").Issue())
			return
		}
		rowCursor += len(batch)
	}
}

func chunkRows(rows []model.SheetRow, size int) [][]model.SheetRow {
	if size <= 0 {
		size = 100
	}
	var out [][]model.SheetRow
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
