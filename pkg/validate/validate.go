// Package validate implements DataValidator from spec.md section 4.3:
// sanitization against formula injection and control characters, and
// length/type validation, applied in bounded chunks so a large sync does
// not hold an entire table's rows in memory at once.
package validate

import (
	"math"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"moul.io/basesync/pkg/model"
)

const (
	AirtableLongTextMax = 100000
	SheetCellMax        = 50000

	// DefaultChunkSize is how many rows the batch validator processes at
	// once (spec.md section 4.3).
	DefaultChunkSize = 100
)

// Code is a validation error code. REQUIRED_FIELD_MISSING is deliberately
// absent: spec.md section 9(c) notes the upstream schema does not expose
// a "required" flag, so there is nothing to check it against.
type Code string

const (
	CodeControlChars   Code = "CONTROL_CHARS_STRIPPED"
	CodeFormulaGuard   Code = "FORMULA_INJECTION_GUARDED"
	CodeLengthExceeded Code = "LENGTH_EXCEEDED"
	CodeInvalidEmail   Code = "INVALID_EMAIL"
	CodeInvalidURL     Code = "INVALID_URL"
	CodeInvalidNumber  Code = "INVALID_NUMBER"
	CodeInvalidDate    Code = "INVALID_DATE"
)

// Issue carries the fieldName/rowIndex/code/sampledValue quadruple
// spec.md section 4.3 requires.
type Issue struct {
	FieldName    string
	RowIndex     int
	Code         Code
	SampledValue string
}

var controlChars = regexp.MustCompile("[\x01-\x08\x0B\x0C\x0E-\x1F]")

// SanitizeString strips NUL and low control characters (keeping tab,
// newline, carriage return) from s.
func SanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return controlChars.ReplaceAllString(s, "")
}

// GuardFormulaInjection prefixes s with an apostrophe if it begins with
// one of the formula-triggering characters =, +, -, @, so a spreadsheet
// never executes it as a formula.
func GuardFormulaInjection(s string) string {
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@':
		return "'" + s
	}
	return s
}

// SanitizeForSheet applies both control-character stripping and the
// formula-injection guard, returning the sanitized string plus any
// Issues raised (length is enforced by TruncateForSheet separately).
func SanitizeForSheet(fieldName string, rowIndex int, s string) (string, []Issue) {
	var issues []Issue
	clean := SanitizeString(s)
	if clean != s {
		issues = append(issues, Issue{FieldName: fieldName, RowIndex: rowIndex, Code: CodeControlChars, SampledValue: sample(s)})
	}
	guarded := GuardFormulaInjection(clean)
	if guarded != clean {
		issues = append(issues, Issue{FieldName: fieldName, RowIndex: rowIndex, Code: CodeFormulaGuard, SampledValue: sample(clean)})
	}
	return guarded, issues
}

// TruncateForSheet enforces the 50,000-char sheet cell cap, truncating
// and reporting an error entry if exceeded.
func TruncateForSheet(fieldName string, rowIndex int, s string) (string, []Issue) {
	r := []rune(s)
	if len(r) <= SheetCellMax {
		return s, nil
	}
	return string(r[:SheetCellMax]), []Issue{{FieldName: fieldName, RowIndex: rowIndex, Code: CodeLengthExceeded, SampledValue: sample(s)}}
}

// TruncateForAirtableLongText enforces the 100,000-char Airtable
// long-text cap.
func TruncateForAirtableLongText(fieldName string, rowIndex int, s string) (string, []Issue) {
	r := []rune(s)
	if len(r) <= AirtableLongTextMax {
		return s, nil
	}
	return string(r[:AirtableLongTextMax]), []Issue{{FieldName: fieldName, RowIndex: rowIndex, Code: CodeLengthExceeded, SampledValue: sample(s)}}
}

// ValidateEmail checks s looks like an email address. Never fatal by
// itself: the caller decides what to do with the returned Issue.
func ValidateEmail(fieldName string, rowIndex int, s string) []Issue {
	if s == "" {
		return nil
	}
	if _, err := mail.ParseAddress(s); err != nil {
		return []Issue{{FieldName: fieldName, RowIndex: rowIndex, Code: CodeInvalidEmail, SampledValue: sample(s)}}
	}
	return nil
}

// ValidateURL checks s parses as an absolute URL.
func ValidateURL(fieldName string, rowIndex int, s string) []Issue {
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() {
		return []Issue{{FieldName: fieldName, RowIndex: rowIndex, Code: CodeInvalidURL, SampledValue: sample(s)}}
	}
	return nil
}

// ValidateNumber rejects NaN/Infinity.
func ValidateNumber(fieldName string, rowIndex int, f float64) []Issue {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []Issue{{FieldName: fieldName, RowIndex: rowIndex, Code: CodeInvalidNumber, SampledValue: sample(f)}}
	}
	return nil
}

func sample(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		s = toString(v)
	}
	const maxSample = 120
	if len(s) > maxSample {
		return s[:maxSample] + "…"
	}
	return s
}

func toString(v interface{}) string {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) {
			return "NaN"
		}
		if math.IsInf(x, 0) {
			return "Inf"
		}
	}
	return ""
}

// Row is one record/row worth of string values to validate, keyed by
// field name, plus its row index for error reporting.
type Row struct {
	RowIndex int
	Values   map[string]string
}

// BatchValidator processes rows in bounded chunks, per spec.md section
// 4.3, to cap memory use on large tables.
type BatchValidator struct {
	ChunkSize int
}

// NewBatchValidator returns a BatchValidator with the default chunk size.
func NewBatchValidator() *BatchValidator {
	return &BatchValidator{ChunkSize: DefaultChunkSize}
}

// ValidateSheetRows sanitizes and length-checks every string value of
// every row, processing ChunkSize rows at a time, and returns the
// sanitized rows plus the accumulated issues.
func (v *BatchValidator) ValidateSheetRows(rows []Row) ([]Row, []Issue) {
	chunkSize := v.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	out := make([]Row, 0, len(rows))
	var issues []Issue
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		for _, row := range rows[start:end] {
			cleaned := Row{RowIndex: row.RowIndex, Values: make(map[string]string, len(row.Values))}
			for field, raw := range row.Values {
				sanitized, sIssues := SanitizeForSheet(field, row.RowIndex, raw)
				issues = append(issues, sIssues...)
				truncated, tIssues := TruncateForSheet(field, row.RowIndex, sanitized)
				issues = append(issues, tIssues...)
				cleaned.Values[field] = truncated
			}
			out = append(out, cleaned)
		}
	}
	return out, issues
}

// ToSyncIssues converts validate.Issue entries into model.SyncIssue with
// the ErrValidation kind, for inclusion in a SyncResult.
func ToSyncIssues(issues []Issue) []model.SyncIssue {
	out := make([]model.SyncIssue, 0, len(issues))
	for _, is := range issues {
		out = append(out, model.SyncIssue{
			Kind:      model.ErrValidation,
			Message:   string(is.Code) + ": " + is.SampledValue,
			RowIndex:  is.RowIndex,
			FieldName: is.FieldName,
		})
	}
	return out
}
