// Package model holds the data shapes shared by every sync package:
// configuration, the two provider-side record shapes, persisted sync
// state, diffs, and run results. Nothing in this package talks to a
// network or a database.
package model

import "time"

// Direction is the sync direction configured for a SyncConfig.
type Direction string

const (
	AirtableToSheets Direction = "A_TO_S"
	SheetsToAirtable Direction = "S_TO_A"
	Bidirectional    Direction = "BIDI"
)

// ConflictPolicy decides which side wins a BOTH_MODIFIED conflict.
type ConflictPolicy string

const (
	AirtableWins ConflictPolicy = "AIRTABLE_WINS"
	SheetsWins   ConflictPolicy = "SHEETS_WINS"
	NewestWins   ConflictPolicy = "NEWEST_WINS"
)

// ValidationMode controls whether a per-row conversion error aborts the
// run (strict) or is recorded and the row skipped (lenient).
type ValidationMode string

const (
	Strict  ValidationMode = "strict"
	Lenient ValidationMode = "lenient"
)

// DefaultIDColumnIndex is the fixed far-right sheet column (letter "AA")
// reserved for Airtable record ids, chosen so it never collides with
// user-visible columns A-Z.
const DefaultIDColumnIndex = 26

// FieldMapping maps an Airtable field id to a zero-based sheet column
// index. Keys and values must both be unique within a SyncConfig.
type FieldMapping struct {
	AirtableFieldID string
	ColumnIndex     int
}

// SyncConfig is the immutable-per-run configuration the engine is given.
type SyncConfig struct {
	ID string

	// OwnerUserID identifies whose OAuth tokens TokenProvider should
	// issue for this config. Account/auth is out of scope (spec.md
	// section 1); this is just the key the engine passes through.
	OwnerUserID string

	AirtableBaseID  string
	AirtableTableID string

	SpreadsheetID string
	SheetID       int64  // numeric sheet (tab) id, 0 if SheetName is used
	SheetName     string

	Direction Direction

	FieldMappings []FieldMapping
	IDColumnIndex int

	ConflictPolicy ConflictPolicy

	DeleteExtras              bool
	ResolveLinkedRecords      bool
	CreateMissingLinkedRecords bool
	SkipHeaderRow             bool
	ValidationMode            ValidationMode

	MaxRetries     int
	AirtableBatch  int
	SheetsBatch    int
}

// Normalized returns a copy of cfg with zero-value fields replaced by
// their documented defaults.
func (cfg SyncConfig) Normalized() SyncConfig {
	if cfg.IDColumnIndex == 0 {
		cfg.IDColumnIndex = DefaultIDColumnIndex
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = AirtableWins
	}
	if cfg.ValidationMode == "" {
		cfg.ValidationMode = Lenient
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.AirtableBatch <= 0 || cfg.AirtableBatch > 10 {
		cfg.AirtableBatch = 10
	}
	if cfg.SheetsBatch <= 0 {
		cfg.SheetsBatch = 100
	}
	return cfg
}

// FieldType is the closed set of Airtable field types the FieldMapper
// knows how to convert.
type FieldType string

const (
	FieldSingleLineText   FieldType = "singleLineText"
	FieldLongText         FieldType = "multilineText"
	FieldRichText         FieldType = "richText"
	FieldEmail            FieldType = "email"
	FieldURL              FieldType = "url"
	FieldPhoneNumber      FieldType = "phoneNumber"
	FieldNumber           FieldType = "number"
	FieldCurrency         FieldType = "currency"
	FieldPercent          FieldType = "percent"
	FieldDuration         FieldType = "duration"
	FieldRating           FieldType = "rating"
	FieldDate             FieldType = "date"
	FieldDateTime         FieldType = "dateTime"
	FieldCheckbox         FieldType = "checkbox"
	FieldSingleSelect     FieldType = "singleSelect"
	FieldMultipleSelects  FieldType = "multipleSelects"
	FieldMultipleRecordLinks FieldType = "multipleRecordLinks"
	FieldMultipleAttachments FieldType = "multipleAttachments"
	FieldFormula          FieldType = "formula"
	FieldRollup           FieldType = "rollup"
	FieldCount            FieldType = "count"
	FieldLookup           FieldType = "lookup"
	FieldCreatedTime      FieldType = "createdTime"
	FieldLastModifiedTime FieldType = "lastModifiedTime"
	FieldCreatedBy        FieldType = "createdBy"
	FieldLastModifiedBy   FieldType = "lastModifiedBy"
	FieldAutoNumber       FieldType = "autoNumber"
	FieldBarcode          FieldType = "barcode"
	FieldButton           FieldType = "button"
	FieldCollaborator     FieldType = "singleCollaborator"
)

// ReadOnly reports whether values of this field type may never be
// written back to Airtable.
func (t FieldType) ReadOnly() bool {
	switch t {
	case FieldFormula, FieldRollup, FieldCount, FieldLookup,
		FieldCreatedTime, FieldLastModifiedTime, FieldCreatedBy,
		FieldLastModifiedBy, FieldAutoNumber, FieldButton:
		return true
	}
	return false
}

// Field describes one column of an Airtable table's schema.
type Field struct {
	ID            string
	Name          string
	Type          FieldType
	Choices       []string // for singleSelect / multipleSelects
	LinkedTableID string   // for multipleRecordLinks
}

// Table is an Airtable table's schema: its fields in declaration order
// and which field is the primary (first) field.
type Table struct {
	ID            string
	Name          string
	PrimaryFieldID string
	Fields        []Field
}

// FieldByID returns the field with the given id, if present.
func (t Table) FieldByID(id string) (Field, bool) {
	for _, f := range t.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// RecordLink is the Airtable wire shape for one entry in a
// multipleRecordLinks array.
type RecordLink struct {
	ID string `json:"id"`
}

// AirtableRecord is one row of an Airtable table.
type AirtableRecord struct {
	ID          string
	CreatedTime time.Time
	Fields      map[string]interface{}
}

// SheetRow is one row of a spreadsheet tab, indexed by column.
type SheetRow []interface{}

// Get returns the cell at idx, or nil if the row is shorter.
func (r SheetRow) Get(idx int) interface{} {
	if idx < 0 || idx >= len(r) {
		return nil
	}
	return r[idx]
}

// Ensure grows r (if needed) so indices up to idx are valid, returning
// the (possibly new) slice.
func (r SheetRow) Ensure(idx int) SheetRow {
	for len(r) <= idx {
		r = append(r, "")
	}
	return r
}

// RecordState is the last-known-state memory kept per record, used to
// classify changes without re-fetching previous content.
type RecordState struct {
	RecordID             string
	ContentHash          string
	AirtableModifiedTime *time.Time
	SheetsModifiedTime   *time.Time
	CapturedAt           time.Time
}

// SyncState is the full persisted state for one SyncConfig.
type SyncState struct {
	SyncConfigID string
	Records      map[string]RecordState
	LastSyncTime time.Time
}

// Clone returns a deep-enough copy of s so a caller may mutate the
// returned value's Records map without affecting s.
func (s SyncState) Clone() SyncState {
	out := SyncState{SyncConfigID: s.SyncConfigID, LastSyncTime: s.LastSyncTime}
	out.Records = make(map[string]RecordState, len(s.Records))
	for k, v := range s.Records {
		out.Records[k] = v
	}
	return out
}

// ConflictKind classifies a BIDI-mode conflict.
type ConflictKind string

const (
	BothModified      ConflictKind = "BOTH_MODIFIED"
	DeletedInAirtable ConflictKind = "DELETED_IN_AIRTABLE"
	DeletedInSheets   ConflictKind = "DELETED_IN_SHEETS"
)

// ConflictInfo describes one detected conflict.
type ConflictInfo struct {
	RecordID     string
	AirtableSide *AirtableRecord
	SheetsSide   SheetRow
	LastKnown    *RecordState
	Kind         ConflictKind
}

// ResolutionAction is the outcome of resolving one ConflictInfo.
type ResolutionAction string

const (
	UseAirtable ResolutionAction = "USE_AIRTABLE"
	UseSheets   ResolutionAction = "USE_SHEETS"
	DeleteBoth  ResolutionAction = "DELETE"
	Skip        ResolutionAction = "SKIP"
)

// Resolution is the result of applying a ConflictPolicy to a ConflictInfo.
type Resolution struct {
	RecordID string
	Action   ResolutionAction
	Winner   *AirtableRecord
	Reason   string
}

// Diff is the set of row/record-level operations one sync pass needs to
// apply to converge one side onto the other.
type Diff struct {
	ToCreate      []interface{}
	ToUpdate      []interface{}
	ToDelete      []string
	RowToRecordID map[int]string
}

// ErrorKind is the taxonomy from spec.md section 7.
type ErrorKind string

const (
	ErrFetch        ErrorKind = "FETCH"
	ErrTransform    ErrorKind = "TRANSFORM"
	ErrValidation   ErrorKind = "VALIDATION"
	ErrLinkedRecord ErrorKind = "LINKED_RECORD"
	ErrRateLimit    ErrorKind = "RATE_LIMIT"
	ErrWrite        ErrorKind = "WRITE"
	ErrAuth         ErrorKind = "AUTH"
	ErrCancelled    ErrorKind = "CANCELLED"
	ErrUnknown      ErrorKind = "UNKNOWN"
)

// SyncIssue is one entry in a SyncResult's Errors or Warnings list.
type SyncIssue struct {
	Kind      ErrorKind
	Message   string
	RecordID  string
	RowIndex  int
	FieldName string
}

// SyncResult is the only observable surface the core exposes to the
// outside system: counts, errors, warnings, and timing for one run.
type SyncResult struct {
	SyncConfigID string
	Added        int
	Updated      int
	Deleted      int
	Total        int
	Errors       []SyncIssue
	Warnings     []SyncIssue
	StartedAt    time.Time
	EndedAt      time.Time
	Duration     time.Duration
	Cancelled    bool
}
