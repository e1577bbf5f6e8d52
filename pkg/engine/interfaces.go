// Package engine implements the sync pipelines of spec.md sections 4.5
// through 4.8: the two one-way pipelines, the bidirectional orchestrator,
// and the six collaborator interfaces the core consumes (spec.md section
// 6). Everything outside this package is a thin adapter.
package engine

import (
	"context"

	"moul.io/basesync/pkg/model"
)

// AccessToken is the OAuth token a TokenProvider hands back. The engine
// never caches tokens itself (spec.md section 5): it asks for one at the
// start of every run.
type AccessToken struct {
	Value string
}

// Provider names the two SaaS platforms a TokenProvider issues tokens
// for.
type Provider string

const (
	ProviderAirtable Provider = "airtable"
	ProviderSheets   Provider = "sheets"
)

// ConfigStore is out of scope per spec.md section 1 (config persistence
// lives in the surrounding application); the engine only needs to read
// one config by id.
type ConfigStore interface {
	Get(ctx context.Context, id string) (model.SyncConfig, error)
}

// TokenProvider is out of scope per spec.md section 1 (OAuth issuance
// and refresh live in the surrounding application).
type TokenProvider interface {
	ForUser(ctx context.Context, userID string, provider Provider) (AccessToken, error)
	Refresh(ctx context.Context, userID string, provider Provider) error
}

// ListOptions narrows an AirtableClient.ListRecords call.
type ListOptions struct {
	View           string
	FilterFormula  string
	MaxRecords     int
}

// AirtableClient is spec.md section 6's Airtable collaborator interface.
// Implementations paginate internally.
type AirtableClient interface {
	ListRecords(ctx context.Context, base, table string, opts ListOptions) ([]model.AirtableRecord, error)
	GetBaseSchema(ctx context.Context, base string) ([]model.Table, error)
	CreateRecords(ctx context.Context, base, table string, fields []map[string]interface{}) ([]model.AirtableRecord, error)
	UpdateRecords(ctx context.Context, base, table string, records []model.AirtableRecord) error
	DeleteRecords(ctx context.Context, base, table string, ids []string) error
}

// SheetsClient is spec.md section 6's Google Sheets collaborator
// interface.
type SheetsClient interface {
	GetSheetData(ctx context.Context, spreadsheet, sheet, rangeA1 string) ([]model.SheetRow, error)
	UpdateSheetData(ctx context.Context, spreadsheet, sheet, rangeA1 string, values []model.SheetRow) error
	AppendRows(ctx context.Context, spreadsheet, sheet string, values []model.SheetRow) error
	DeleteRows(ctx context.Context, spreadsheet string, sheetNumericID int64, startRow, count int) error
	EnsureColumnsExist(ctx context.Context, spreadsheet string, sheetNumericID int64, minColumns int) error
	HideColumn(ctx context.Context, spreadsheet string, sheetNumericID int64, columnIndex int) error
}

// ColumnLetter converts a zero-based column index to its spreadsheet
// letter (0 -> "A", 26 -> "AA"), per spec.md section 6.
func ColumnLetter(index int) string {
	index++ // to 1-based
	var letters []byte
	for index > 0 {
		index--
		letters = append([]byte{byte('A' + index%26)}, letters...)
		index /= 26
	}
	return string(letters)
}

// ColumnNumber is the inverse of ColumnLetter.
func ColumnNumber(letter string) int {
	n := 0
	for i := 0; i < len(letter); i++ {
		n = n*26 + int(letter[i]-'A'+1)
	}
	return n - 1
}

// StateStore is spec.md section 6's SyncState persistence interface.
type StateStore interface {
	Get(ctx context.Context, configID string) (*model.SyncState, error)
	Put(ctx context.Context, configID string, state model.SyncState) error
	Clear(ctx context.Context, configID string) error
}

// LogSink is spec.md section 6's SyncResult sink.
type LogSink interface {
	Write(ctx context.Context, result model.SyncResult) error
}
