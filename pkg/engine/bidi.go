package engine

import (
	"context"
	"fmt"
	"strings"

	"moul.io/basesync/pkg/conflict"
	"moul.io/basesync/pkg/fieldmap"
	"moul.io/basesync/pkg/model"
	"moul.io/basesync/pkg/ratelimit"
	"moul.io/basesync/pkg/synerr"
)

// runBidirectional implements BidirectionalOrchestrator, spec.md section
// 4.7: classify every record id against last-known state, resolve
// conflicts per the configured policy, then apply the Airtable mutations
// before the sheet mutations so a crash mid-run leaves Airtable (the side
// both one-way pipelines treat as closer to ground truth) ahead rather
// than behind.
func runBidirectional(rs *runState, prior model.SyncState) model.SyncState {
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

	mapping := columnMapping(cfg, table)
	writable := writableColumnMapping(cfg, table)
	primaryField, _ := table.FieldByID(table.PrimaryFieldID)
	fmCtx := fieldmap.Context{Resolver: rs.resolver, BaseID: cfg.AirtableBaseID, Config: cfg, Mode: cfg.ValidationMode}

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

	airtableByID := make(map[string]model.AirtableRecord, len(records))
	airtableByPrimaryValue := make(map[string]string, len(records))
	// airtableRows caches each record's sheet-shaped projection (same
	// fieldmap.AirtableToCell conversion the A->S pipeline writes), so its
	// hash lives in the same comparison space as a sheet row's HashRow:
	// both are keyed by column, not by Airtable field name. Without this,
	// an unchanged record could never match an unchanged row because
	// HashRecord(raw fields) and HashRow(sheet cells) hash different
	// shapes of the same data.
	airtableRows := make(map[string]model.SheetRow, len(records))
	airtableHash := conflict.HashedSide{}
	for _, r := range records {
		airtableByID[r.ID] = r
		row := buildSheetRow(fmCtx, rs, r, table, mapping, cfg.IDColumnIndex)
		if rs.isAborted() {
			return next
		}
		airtableRows[r.ID] = row
		airtableHash[r.ID] = conflict.HashRow(row, cfg.IDColumnIndex)
		if primaryField.Name != "" {
			if v, ok := r.Fields[primaryField.Name]; ok {
				key := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", v)))
				if key != "" {
					airtableByPrimaryValue[key] = r.ID
				}
			}
		}
	}

	width := cfg.IDColumnIndex + 1
	for _, m := range mapping {
		if m.ColumnIndex+1 > width {
			width = m.ColumnIndex + 1
		}
	}
	for _, m := range writable {
		if m.ColumnIndex+1 > width {
			width = m.ColumnIndex + 1
		}
	}

	var sheetRows []model.SheetRow
	err = e.SheetsInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "read sheet data"}, func(ctx context.Context) error {
		rows, ferr := e.Sheets.GetSheetData(ctx, cfg.SpreadsheetID, cfg.SheetName, fmt.Sprintf("A:%s", ColumnLetter(width-1)))
		if ferr != nil {
			return ferr
		}
		sheetRows = rows
		return nil
	})
	if err != nil {
		rs.recordError(synerr.Wrap(model.ErrFetch, err, "read sheet data").Issue())
		return next
	}

	startRow := 0
	if cfg.SkipHeaderRow {
		startRow = 1
	}

	sheetHash := conflict.HashedSide{}
	sheetRowIndex := make(map[string]int)
	rowsByKey := make(map[string]model.SheetRow)
	for i := startRow; i < len(sheetRows); i++ {
		row := sheetRows[i]
		id, _ := row.Get(cfg.IDColumnIndex).(string)
		id = strings.TrimSpace(id)
		key := id
		if key == "" {
			key = fmt.Sprintf("row_%d", i)
		}
		sheetHash[key] = conflict.HashRow(row, cfg.IDColumnIndex)
		sheetRowIndex[key] = i
		rowsByKey[key] = row
	}

	classifications := conflict.Classify(airtableHash, sheetHash, prior.Records)
	resolutions := conflict.ResolveConflicts(classifications, cfg.ConflictPolicy)
	resByID := make(map[string]model.Resolution, len(resolutions))
	for _, r := range resolutions {
		resByID[r.RecordID] = r
	}

	var airtableCreates []pendingRow
	var airtableUpdates []pendingRow
	var airtableDeletes []string
	sheetUpdates := make(map[int]model.SheetRow)
	var newSheetRows []model.SheetRow
	var sheetDeleteRows []int

	pushSheetUpdate := func(recordID string) {
		rec := airtableByID[recordID]
		row := airtableRows[recordID]
		if idx, ok := sheetRowIndex[recordID]; ok {
			sheetUpdates[idx] = row
		} else {
			newSheetRows = append(newSheetRows, row)
		}
		next.Records[recordID] = model.RecordState{RecordID: recordID, ContentHash: airtableHash[recordID], CapturedAt: rec.CreatedTime}
	}

	pushAirtableUpdateFromSheet := func(key, recordID string) {
		rowIdx := sheetRowIndex[key]
		fields := buildAirtableFields(fmCtx, rs, rowsByKey[key], writable, table, rowIdx)
		airtableUpdates = append(airtableUpdates, pendingRow{identity: sheetIdentity{rowIndex: rowIdx, recordID: recordID}, fields: fields})
	}

	for _, c := range classifications {
		if rs.isAborted() {
			return next
		}
		switch c.Kind {
		case conflict.NoChange:
			if _, ok := next.Records[c.RecordID]; !ok {
				if rec, ok2 := airtableByID[c.RecordID]; ok2 {
					next.Records[c.RecordID] = model.RecordState{RecordID: c.RecordID, ContentHash: airtableHash[c.RecordID], CapturedAt: rec.CreatedTime}
				}
			}

		case conflict.NewInAirtable:
			pushSheetUpdate(c.RecordID)

		case conflict.NewInSheets:
			rowIdx := sheetRowIndex[c.RecordID]
			fields := buildAirtableFields(fmCtx, rs, rowsByKey[c.RecordID], writable, table, rowIdx)
			identity := sheetIdentity{rowIndex: rowIdx}
			if primaryValue, ok := fields[primaryField.Name]; ok {
				key := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", primaryValue)))
				if matchID, found := airtableByPrimaryValue[key]; found {
					identity.recordID = matchID
					identity.recoveredByName = true
				}
			}
			if identity.recordID != "" {
				airtableUpdates = append(airtableUpdates, pendingRow{identity: identity, fields: fields})
			} else {
				airtableCreates = append(airtableCreates, pendingRow{identity: identity, fields: fields})
			}

		case conflict.AirtableOnlyChange:
			if c.Deleted {
				if idx, ok := sheetRowIndex[c.RecordID]; ok {
					sheetDeleteRows = append(sheetDeleteRows, idx)
				}
				delete(next.Records, c.RecordID)
			} else {
				pushSheetUpdate(c.RecordID)
			}

		case conflict.SheetsOnlyChange:
			if c.Deleted {
				if cfg.DeleteExtras {
					airtableDeletes = append(airtableDeletes, c.RecordID)
					delete(next.Records, c.RecordID)
				} else {
					rs.recordIssue(synerr.New(model.ErrWrite, "sheet deleted a row whose airtable record still exists, left in place (deleteExtras is false)").WithRecord(c.RecordID).Issue())
				}
			} else {
				pushAirtableUpdateFromSheet(c.RecordID, c.RecordID)
			}

		case conflict.Conflict:
			res := resByID[c.RecordID]
			switch res.Action {
			case model.UseAirtable:
				pushSheetUpdate(c.RecordID)
			case model.UseSheets:
				pushAirtableUpdateFromSheet(c.RecordID, c.RecordID)
			case model.DeleteBoth:
				if _, ok := airtableByID[c.RecordID]; ok {
					airtableDeletes = append(airtableDeletes, c.RecordID)
				}
				if idx, ok := sheetRowIndex[c.RecordID]; ok {
					sheetDeleteRows = append(sheetDeleteRows, idx)
				}
				delete(next.Records, c.RecordID)
			case model.Skip:
				// no-op
			}
		}
	}

	if rs.isAborted() {
		return next
	}

	writeBack := make(map[int]string)

	for _, batch := range chunkPending(airtableCreates, cfg.AirtableBatch) {
		fieldSets := make([]map[string]interface{}, len(batch))
		for i, p := range batch {
			fieldSets[i] = p.fields
		}
		var created []model.AirtableRecord
		err := e.AirtableInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "create airtable records"}, func(ctx context.Context) error {
			recs, cerr := e.Airtable.CreateRecords(ctx, cfg.AirtableBaseID, cfg.AirtableTableID, fieldSets)
			if cerr != nil {
				return cerr
			}
			created = recs
			return nil
		})
		if err != nil {
			rs.recordError(synerr.Wrap(model.ErrWrite, err, "create airtable records").Issue())
			return next
		}
		for i, rec := range created {
			writeBack[batch[i].identity.rowIndex] = rec.ID
			row := buildSheetRow(fmCtx, rs, rec, table, mapping, cfg.IDColumnIndex)
			next.Records[rec.ID] = model.RecordState{RecordID: rec.ID, ContentHash: conflict.HashRow(row, cfg.IDColumnIndex), CapturedAt: rec.CreatedTime}
		}
	}

	for _, batch := range chunkPending(airtableUpdates, cfg.AirtableBatch) {
		upd := make([]model.AirtableRecord, len(batch))
		for i, p := range batch {
			upd[i] = model.AirtableRecord{ID: p.identity.recordID, Fields: p.fields}
		}
		err := e.AirtableInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "update airtable records"}, func(ctx context.Context) error {
			return e.Airtable.UpdateRecords(ctx, cfg.AirtableBaseID, cfg.AirtableTableID, upd)
		})
		if err != nil {
			rs.recordError(synerr.Wrap(model.ErrWrite, err, "update airtable records").Issue())
			return next
		}
		for _, p := range batch {
			merged := make(map[string]interface{}, len(airtableByID[p.identity.recordID].Fields)+len(p.fields))
			for k, v := range airtableByID[p.identity.recordID].Fields {
				merged[k] = v
			}
			for k, v := range p.fields {
				merged[k] = v
			}
			row := buildSheetRow(fmCtx, rs, model.AirtableRecord{ID: p.identity.recordID, Fields: merged}, table, mapping, cfg.IDColumnIndex)
			next.Records[p.identity.recordID] = model.RecordState{RecordID: p.identity.recordID, ContentHash: conflict.HashRow(row, cfg.IDColumnIndex)}
			if p.identity.recoveredByName {
				writeBack[p.identity.rowIndex] = p.identity.recordID
			}
		}
	}

	for _, batch := range ratelimit.BatchStrings(airtableDeletes, cfg.AirtableBatch) {
		batch := batch
		err := e.AirtableInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "delete airtable records"}, func(ctx context.Context) error {
			return e.Airtable.DeleteRecords(ctx, cfg.AirtableBaseID, cfg.AirtableTableID, batch)
		})
		if err != nil {
			rs.recordIssue(synerr.Wrap(model.ErrWrite, err, "delete airtable records").Issue())
		}
	}

	matrix := make([]model.SheetRow, len(sheetRows))
	copy(matrix, sheetRows)
	for idx, row := range sheetUpdates {
		matrix[idx] = row
	}
	matrix = append(matrix, newSheetRows...)

	if len(sheetUpdates) > 0 || len(newSheetRows) > 0 {
		writeSheetMatrix(rs, matrix)
		if rs.isAborted() {
			return next
		}
	}

	deleteSheetRows(rs, sheetDeleteRows)
	if rs.isAborted() {
		return next
	}

	if len(writeBack) > 0 {
		if err := ensureIDColumnWidth(rs); err != nil {
			rs.recordIssue(synerr.New(model.ErrWrite, "ensure id column exists: "+err.Error()).Issue())
		}
		writeBackIDs(rs, writeBack)
	}
	if len(writeBack) > 0 || len(newSheetRows) > 0 {
		if err := e.Sheets.HideColumn(rs.ctx, cfg.SpreadsheetID, cfg.SheetID, cfg.IDColumnIndex); err != nil {
			rs.recordIssue(synerr.New(model.ErrWrite, "hide id column: "+err.Error()).Issue())
		}
	}

	rs.addCounts(len(airtableCreates)+len(newSheetRows), len(airtableUpdates)+len(sheetUpdates), len(airtableDeletes)+len(sheetDeleteRows))
	return next
}
