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
	"moul.io/basesync/pkg/validate"
)

// sheetIdentity is one sheet row's resolved Airtable identity, per spec.md
// section 4.6's two-strategy matching: first by the row's id-column value,
// falling back to a case-insensitive match on the table's primary field.
type sheetIdentity struct {
	rowIndex        int
	recordID        string // "" if no match, i.e. this row creates a new record
	recoveredByName bool
}

// pendingRow is one sheet row queued for an Airtable create or update,
// carrying the resolved identity alongside the converted field values.
type pendingRow struct {
	identity sheetIdentity
	fields   map[string]interface{}
}

// runOneWaySheetsToAirtable implements OneWaySyncSheetsToAirtable, spec.md
// section 4.6: the sheet is authoritative, every Airtable record is derived
// from a sheet row.
func runOneWaySheetsToAirtable(rs *runState, prior model.SyncState) model.SyncState {
	e := rs.engine
	cfg := rs.cfg
	next := prior.Clone()

	table, err := fetchTable(rs.ctx, e, cfg)
	if err != nil {
		rs.recordError(synerr.Wrap(model.ErrFetch, err, "fetch base schema").Issue())
		return next
	}

	writable := writableColumnMapping(cfg, table)
	primaryField, _ := table.FieldByID(table.PrimaryFieldID)

	if cfg.ResolveLinkedRecords {
		preloadLinkedTables(rs, table)
		if rs.isAborted() {
			return next
		}
	}

	width := cfg.IDColumnIndex + 1
	for _, m := range writable {
		if m.ColumnIndex+1 > width {
			width = m.ColumnIndex + 1
		}
	}

	var rows []model.SheetRow
	err = e.SheetsInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "read sheet data"}, func(ctx context.Context) error {
		fetched, ferr := e.Sheets.GetSheetData(ctx, cfg.SpreadsheetID, cfg.SheetName, fmt.Sprintf("A:%s", ColumnLetter(width-1)))
		if ferr != nil {
			return ferr
		}
		rows = fetched
		return nil
	})
	if err != nil {
		rs.recordError(synerr.Wrap(model.ErrFetch, err, "read sheet data").Issue())
		return next
	}

	var existingRecords []model.AirtableRecord
	err = e.AirtableInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "list airtable records"}, func(ctx context.Context) error {
		recs, ferr := e.Airtable.ListRecords(ctx, cfg.AirtableBaseID, cfg.AirtableTableID, ListOptions{})
		if ferr != nil {
			return ferr
		}
		existingRecords = recs
		return nil
	})
	if err != nil {
		rs.recordError(synerr.Wrap(model.ErrFetch, err, "list airtable records").Issue())
		return next
	}

	byID := make(map[string]model.AirtableRecord, len(existingRecords))
	byPrimaryValue := make(map[string]string, len(existingRecords))
	for _, r := range existingRecords {
		byID[r.ID] = r
		if primaryField.Name != "" {
			if v, ok := r.Fields[primaryField.Name]; ok {
				key := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", v)))
				if key != "" {
					byPrimaryValue[key] = r.ID
				}
			}
		}
	}

	startRow := 0
	if cfg.SkipHeaderRow {
		startRow = 1
	}

	fmCtx := fieldmap.Context{Resolver: rs.resolver, BaseID: cfg.AirtableBaseID, Config: cfg, Mode: cfg.ValidationMode}

	var toCreate []pendingRow
	var toUpdate []pendingRow
	seenIDs := make(map[string]bool, len(rows))

	for i := startRow; i < len(rows); i++ {
		row := rows[i]
		id, _ := row.Get(cfg.IDColumnIndex).(string)
		id = strings.TrimSpace(id)

		fields := buildAirtableFields(fmCtx, rs, row, writable, table, i)
		if rs.isAborted() {
			return next
		}

		identity := sheetIdentity{rowIndex: i}
		switch {
		case id != "" && byID[id].ID != "":
			identity.recordID = id
		case id != "":
			// Stale id: the Airtable record behind it is gone. Recreate per
			// the primary-field recovery rule below, falling through.
			fallthrough
		default:
			if primaryValue, ok := fields[primaryField.Name]; ok {
				key := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", primaryValue)))
				if matchID, found := byPrimaryValue[key]; found {
					identity.recordID = matchID
					identity.recoveredByName = true
				}
			}
		}

		if identity.recordID != "" {
			seenIDs[identity.recordID] = true
			existing := byID[identity.recordID]
			if hasRecordChanged(existing, fields, next.Records[identity.recordID]) {
				toUpdate = append(toUpdate, pendingRow{identity: identity, fields: fields})
			}
		} else {
			toCreate = append(toCreate, pendingRow{identity: identity, fields: fields})
		}
	}

	deleted := 0
	if cfg.DeleteExtras {
		for id := range byID {
			if !seenIDs[id] {
				err := e.AirtableInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "delete airtable record"}, func(ctx context.Context) error {
					return e.Airtable.DeleteRecords(ctx, cfg.AirtableBaseID, cfg.AirtableTableID, []string{id})
				})
				if err != nil {
					rs.recordIssue(synerr.Wrap(model.ErrWrite, err, "delete airtable record").WithRecord(id).Issue())
					continue
				}
				deleted++
				delete(next.Records, id)
			}
		}
	}

	writeBack := make(map[int]string, len(toCreate))

	for _, batch := range chunkPending(toCreate, cfg.AirtableBatch) {
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
			next.Records[rec.ID] = model.RecordState{RecordID: rec.ID, ContentHash: conflict.HashRecord(batch[i].fields), CapturedAt: rec.CreatedTime}
		}
	}

	for _, batch := range chunkPending(toUpdate, cfg.AirtableBatch) {
		records := make([]model.AirtableRecord, len(batch))
		for i, p := range batch {
			records[i] = model.AirtableRecord{ID: p.identity.recordID, Fields: p.fields}
		}
		err := e.AirtableInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "update airtable records"}, func(ctx context.Context) error {
			return e.Airtable.UpdateRecords(ctx, cfg.AirtableBaseID, cfg.AirtableTableID, records)
		})
		if err != nil {
			rs.recordError(synerr.Wrap(model.ErrWrite, err, "update airtable records").Issue())
			return next
		}
		for _, p := range batch {
			next.Records[p.identity.recordID] = model.RecordState{RecordID: p.identity.recordID, ContentHash: conflict.HashRecord(p.fields)}
			if p.identity.recoveredByName {
				writeBack[p.identity.rowIndex] = p.identity.recordID
			}
		}
	}

	if len(writeBack) > 0 {
		if err := ensureIDColumnWidth(rs); err != nil {
			rs.recordIssue(synerr.New(model.ErrWrite, "ensure id column exists: "+err.Error()).Issue())
		}
		writeBackIDs(rs, writeBack)
		if err := e.Sheets.HideColumn(rs.ctx, cfg.SpreadsheetID, cfg.SheetID, cfg.IDColumnIndex); err != nil {
			rs.recordIssue(synerr.New(model.ErrWrite, "hide id column: "+err.Error()).Issue())
		}
	}

	rs.addCounts(len(toCreate), len(toUpdate), deleted)
	return next
}

// buildAirtableFields converts one sheet row to an Airtable fields map
// using writable, recording fieldmap.Issues as SyncIssues.
func buildAirtableFields(fmCtx fieldmap.Context, rs *runState, row model.SheetRow, writable []model.FieldMapping, table model.Table, rowIndex int) map[string]interface{} {
	fields := make(map[string]interface{}, len(writable))
	for _, m := range writable {
		field, ok := table.FieldByID(m.AirtableFieldID)
		if !ok {
			continue
		}
		cell := row.Get(m.ColumnIndex)
		value, issues := fieldmap.CellToAirtable(fmCtx, cell, field)
		for _, issue := range fieldmap.ToSyncIssues(issues, "", rowIndex) {
			if rs.recordIssue(issue) {
				return fields
			}
		}
		if s, ok := value.(string); ok {
			truncated, tIssues := validate.TruncateForAirtableLongText(field.Name, rowIndex, s)
			value = truncated
			for _, synIssue := range validate.ToSyncIssues(tIssues) {
				if rs.recordIssue(synIssue) {
					return fields
				}
			}
		}
		if value != nil {
			fields[field.Name] = value
		}
	}
	return fields
}

// hasRecordChanged compares the sheet-derived fields against the existing
// Airtable record's last-known content hash, per spec.md section 4.4's
// hashing rule: any field outside of what the sheet controls (e.g. a
// formula field) is excluded because HashRecord is always computed from
// the same shape the caller passes in. Without a stored hash, it reports
// whether applying newFields over the record's current fields changes them.
func hasRecordChanged(existing model.AirtableRecord, newFields map[string]interface{}, last model.RecordState) bool {
	if last.ContentHash != "" {
		return conflict.HashRecord(newFields) != last.ContentHash
	}
	merged := make(map[string]interface{}, len(existing.Fields))
	for k, v := range existing.Fields {
		merged[k] = v
	}
	for k, v := range newFields {
		merged[k] = v
	}
	return conflict.HashRecord(merged) != conflict.HashRecord(existing.Fields)
}

func chunkPending(items []pendingRow, size int) [][]pendingRow {
	if size <= 0 || size > 10 {
		size = 10
	}
	var out [][]pendingRow
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// writeBackIDs writes newly assigned/recovered record ids into the sheet's
// id column. Failures here are warnings, not run-aborting errors, per
// spec.md section 4.6: the Airtable side already has the authoritative
// write.
func writeBackIDs(rs *runState, writeBack map[int]string) {
	e := rs.engine
	cfg := rs.cfg
	letter := ColumnLetter(cfg.IDColumnIndex)
	for rowIndex, id := range writeBack {
		rangeA1 := fmt.Sprintf("%s%d:%s%d", letter, rowIndex+1, letter, rowIndex+1)
		if cfg.SheetName != "" {
			rangeA1 = cfg.SheetName + "!" + rangeA1
		}
		id := id
		err := e.SheetsInvoker.Invoke(rs.ctx, ratelimit.Options{MaxRetries: cfg.MaxRetries, OpName: "write back record id"}, func(ctx context.Context) error {
			return e.Sheets.UpdateSheetData(ctx, cfg.SpreadsheetID, cfg.SheetName, rangeA1, []model.SheetRow{{id}})
		})
		if err != nil {
			issue := synerr.Wrap(model.ErrWrite, err, "write back record id").WithRow(rowIndex).Issue()
			rs.mu.Lock()
			rs.warnings = append(rs.warnings, issue)
			rs.mu.Unlock()
		}
	}
}
