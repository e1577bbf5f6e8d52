package engine

import (
	"context"
	"sync"

	"moul.io/basesync/pkg/model"
)

// fakeAirtableClient is an in-memory AirtableClient used by the pipeline
// tests; it keeps records in insertion order and assigns incrementing ids
// to created records.
type fakeAirtableClient struct {
	mu      sync.Mutex
	schema  map[string]model.Table
	records map[string][]model.AirtableRecord // keyed by "base/table"
	nextID  int
}

func newFakeAirtableClient(table model.Table) *fakeAirtableClient {
	return &fakeAirtableClient{
		schema:  map[string]model.Table{table.ID: table},
		records: make(map[string][]model.AirtableRecord),
	}
}

func (f *fakeAirtableClient) key(base, table string) string { return base + "/" + table }

func (f *fakeAirtableClient) seed(base, table string, records []model.AirtableRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[f.key(base, table)] = records
}

func (f *fakeAirtableClient) ListRecords(ctx context.Context, base, table string, opts ListOptions) ([]model.AirtableRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.AirtableRecord, len(f.records[f.key(base, table)]))
	copy(out, f.records[f.key(base, table)])
	return out, nil
}

func (f *fakeAirtableClient) GetBaseSchema(ctx context.Context, base string) ([]model.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Table, 0, len(f.schema))
	for _, t := range f.schema {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeAirtableClient) CreateRecords(ctx context.Context, base, table string, fields []map[string]interface{}) ([]model.AirtableRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(base, table)
	out := make([]model.AirtableRecord, 0, len(fields))
	for _, fs := range fields {
		f.nextID++
		rec := model.AirtableRecord{ID: idFor(f.nextID), Fields: fs}
		f.records[k] = append(f.records[k], rec)
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeAirtableClient) UpdateRecords(ctx context.Context, base, table string, records []model.AirtableRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(base, table)
	for _, upd := range records {
		for i, existing := range f.records[k] {
			if existing.ID == upd.ID {
				merged := make(map[string]interface{}, len(existing.Fields))
				for fk, fv := range existing.Fields {
					merged[fk] = fv
				}
				for fk, fv := range upd.Fields {
					merged[fk] = fv
				}
				f.records[k][i].Fields = merged
			}
		}
	}
	return nil
}

func (f *fakeAirtableClient) DeleteRecords(ctx context.Context, base, table string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(base, table)
	toDelete := make(map[string]bool, len(ids))
	for _, id := range ids {
		toDelete[id] = true
	}
	kept := f.records[k][:0:0]
	for _, r := range f.records[k] {
		if !toDelete[r.ID] {
			kept = append(kept, r)
		}
	}
	f.records[k] = kept
	return nil
}

func idFor(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return "rec" + string(letters[n%len(letters)]) + string(letters[(n/len(letters))%len(letters)])
}

// fakeSheetsClient is an in-memory SheetsClient: a single sheet's full
// grid of rows, grown/shrunk by UpdateSheetData/AppendRows/DeleteRows.
type fakeSheetsClient struct {
	mu            sync.Mutex
	rows          []model.SheetRow
	hiddenColumns map[int]bool
}

func newFakeSheetsClient(rows []model.SheetRow) *fakeSheetsClient {
	return &fakeSheetsClient{rows: rows, hiddenColumns: make(map[int]bool)}
}

func (f *fakeSheetsClient) GetSheetData(ctx context.Context, spreadsheet, sheet, rangeA1 string) ([]model.SheetRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.SheetRow, len(f.rows))
	for i, r := range f.rows {
		out[i] = append(model.SheetRow(nil), r...)
	}
	return out, nil
}

func (f *fakeSheetsClient) UpdateSheetData(ctx context.Context, spreadsheet, sheet, rangeA1 string, values []model.SheetRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	startCol, startRow := parseRange(rangeA1)
	for len(f.rows) < startRow+len(values) {
		f.rows = append(f.rows, model.SheetRow{})
	}
	for i, v := range values {
		row := f.rows[startRow+i]
		for j, cell := range v {
			row = row.Ensure(startCol + j)
			row[startCol+j] = cell
		}
		f.rows[startRow+i] = row
	}
	return nil
}

func (f *fakeSheetsClient) AppendRows(ctx context.Context, spreadsheet, sheet string, values []model.SheetRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, values...)
	return nil
}

func (f *fakeSheetsClient) DeleteRows(ctx context.Context, spreadsheet string, sheetNumericID int64, startRow, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := startRow + count
	if end > len(f.rows) {
		end = len(f.rows)
	}
	f.rows = append(f.rows[:startRow], f.rows[end:]...)
	return nil
}

func (f *fakeSheetsClient) EnsureColumnsExist(ctx context.Context, spreadsheet string, sheetNumericID int64, minColumns int) error {
	return nil
}

func (f *fakeSheetsClient) HideColumn(ctx context.Context, spreadsheet string, sheetNumericID int64, columnIndex int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hiddenColumns[columnIndex] = true
	return nil
}

// parseRange extracts the 0-based (startCol, startRow) of an "A1:Z9"-shaped
// (or sheet-prefixed "Name!A1:Z9") range, so the fake can place values at
// the same column offset a real spreadsheet range update would.
func parseRange(rangeA1 string) (startCol, startRow int) {
	s := rangeA1
	if idx := indexOf(s, '!'); idx >= 0 {
		s = s[idx+1:]
	}
	colon := indexOf(s, ':')
	first := s
	if colon >= 0 {
		first = s[:colon]
	}
	var letters []byte
	row := 0
	for i := 0; i < len(first); i++ {
		c := first[i]
		if c >= 'A' && c <= 'Z' {
			letters = append(letters, c)
		} else if c >= '0' && c <= '9' {
			row = row*10 + int(c-'0')
		}
	}
	col := 0
	if len(letters) > 0 {
		col = ColumnNumber(string(letters))
	}
	if row == 0 {
		return col, 0
	}
	return col, row - 1
}

func indexOf(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

type fakeConfigStore struct {
	cfg model.SyncConfig
}

func (f fakeConfigStore) Get(ctx context.Context, id string) (model.SyncConfig, error) {
	return f.cfg, nil
}

type fakeTokenProvider struct{}

func (fakeTokenProvider) ForUser(ctx context.Context, userID string, provider Provider) (AccessToken, error) {
	return AccessToken{Value: "token"}, nil
}

func (fakeTokenProvider) Refresh(ctx context.Context, userID string, provider Provider) error {
	return nil
}

type fakeStateStore struct {
	mu    sync.Mutex
	state map[string]model.SyncState
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{state: make(map[string]model.SyncState)}
}

func (f *fakeStateStore) Get(ctx context.Context, configID string) (*model.SyncState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.state[configID]; ok {
		clone := s.Clone()
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeStateStore) Put(ctx context.Context, configID string, state model.SyncState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[configID] = state.Clone()
	return nil
}

func (f *fakeStateStore) Clear(ctx context.Context, configID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state, configID)
	return nil
}

type fakeLogSink struct {
	mu      sync.Mutex
	results []model.SyncResult
}

func (f *fakeLogSink) Write(ctx context.Context, result model.SyncResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}
