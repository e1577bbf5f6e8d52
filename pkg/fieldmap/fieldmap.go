// Package fieldmap implements the bidirectional value conversion between
// Airtable field types and spreadsheet cell values (spec.md section 4.1).
// Conversion errors are never thrown to the pipeline: they are collected
// per field and returned alongside the converted value so the caller can
// decide, based on ValidationMode, whether to keep going.
package fieldmap

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"moul.io/basesync/pkg/model"
	"moul.io/basesync/pkg/resolver"
	"moul.io/basesync/pkg/synerr"
)

// Issue is one conversion problem, carrying enough context for a
// synerr.Error / model.SyncIssue to be built from it.
type Issue struct {
	FieldName string
	Message   string
	Fatal     bool // set by the converters; ToSyncIssues does not carry it over
}

// Context is the per-call context a conversion needs: access to the
// linked-record resolver and the sync config's feature flags.
type Context struct {
	Resolver      *resolver.Resolver
	BaseID        string
	Config        model.SyncConfig
	Mode          model.ValidationMode
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"01/02/2006",
	"2006-01-02T15:04:05",
}

// ParseDate parses a date string leniently per spec.md section 4.1: ISO,
// MM/DD/YYYY, or YYYY-MM-DD. Returns the zero time and false if none match.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseBool parses the lenient checkbox vocabulary: TRUE/FALSE
// (case-insensitive) plus 1/0/yes/no.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes":
		return true, true
	case "false", "0", "no", "":
		return false, true
	}
	return false, false
}

// AirtableToCell is the total function converting one Airtable field
// value to a spreadsheet cell value. It never fails: unparseable/unknown
// inputs degrade to a string or empty cell plus a warning Issue.
func AirtableToCell(ctx Context, value interface{}, field model.Field) (interface{}, []Issue) {
	if value == nil {
		return "", nil
	}

	switch field.Type {
	case model.FieldCheckbox:
		b, _ := value.(bool)
		if b {
			return "TRUE", nil
		}
		return "FALSE", nil

	case model.FieldNumber, model.FieldCurrency, model.FieldPercent, model.FieldDuration, model.FieldRating, model.FieldCount, model.FieldAutoNumber:
		f, ok := toFloat(value)
		if !ok {
			return "", []Issue{{FieldName: field.Name, Message: "non-numeric value", Fatal: false}}
		}
		return formatNumber(f), nil

	case model.FieldDate:
		t, ok := toTime(value)
		if !ok {
			return "", []Issue{{FieldName: field.Name, Message: "unparseable date", Fatal: false}}
		}
		return t.Format("2006-01-02"), nil

	case model.FieldDateTime, model.FieldCreatedTime, model.FieldLastModifiedTime:
		t, ok := toTime(value)
		if !ok {
			return "", []Issue{{FieldName: field.Name, Message: "unparseable datetime", Fatal: false}}
		}
		return t.Format(time.RFC3339), nil

	case model.FieldMultipleSelects:
		items, _ := toStringSlice(value)
		return strings.Join(items, ", "), nil

	case model.FieldMultipleRecordLinks:
		return linksToCell(ctx, value, field)

	case model.FieldMultipleAttachments:
		return attachmentsToCell(value), nil

	case model.FieldButton, model.FieldCollaborator, model.FieldBarcode:
		return fmt.Sprintf("%v", value), []Issue{{FieldName: field.Name, Message: "field type not writable on the sheet side, read as string", Fatal: false}}

	case model.FieldFormula, model.FieldRollup, model.FieldLookup, model.FieldCreatedBy, model.FieldLastModifiedBy, model.FieldSingleSelect,
		model.FieldSingleLineText, model.FieldLongText, model.FieldRichText, model.FieldEmail, model.FieldURL, model.FieldPhoneNumber:
		return fmt.Sprintf("%v", value), nil

	default:
		return fmt.Sprintf("%v", value), []Issue{{FieldName: field.Name, Message: "unknown field type, coerced to string", Fatal: false}}
	}
}

// CellToAirtable is the partial function converting a spreadsheet cell
// value to an Airtable field value. Read-only field types always return
// (nil, warning) and are never written.
func CellToAirtable(ctx Context, cell interface{}, field model.Field) (interface{}, []Issue) {
	if field.Type.ReadOnly() {
		return nil, []Issue{{FieldName: field.Name, Message: "read-only field type, not written", Fatal: false}}
	}

	s := cellString(cell)

	switch field.Type {
	case model.FieldCheckbox:
		if s == "" {
			return nil, nil
		}
		b, ok := ParseBool(s)
		if !ok {
			return nil, []Issue{{FieldName: field.Name, Message: "unrecognized checkbox value", Fatal: true}}
		}
		return b, nil

	case model.FieldNumber, model.FieldCurrency, model.FieldPercent, model.FieldDuration, model.FieldRating:
		if s == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, []Issue{{FieldName: field.Name, Message: "invalid numeric value", Fatal: true}}
		}
		return f, nil

	case model.FieldDate, model.FieldDateTime:
		if s == "" {
			return nil, nil
		}
		t, ok := ParseDate(s)
		if !ok {
			return nil, []Issue{{FieldName: field.Name, Message: "unparseable date", Fatal: true}}
		}
		if field.Type == model.FieldDate {
			return t.Format("2006-01-02"), nil
		}
		return t.Format(time.RFC3339), nil

	case model.FieldSingleSelect:
		if s == "" {
			return nil, nil
		}
		if len(field.Choices) == 0 {
			return s, nil
		}
		for _, choice := range field.Choices {
			if strings.EqualFold(choice, s) {
				return choice, nil
			}
		}
		return s, []Issue{{FieldName: field.Name, Message: fmt.Sprintf("value %q does not match any choice", s), Fatal: true}}

	case model.FieldMultipleSelects:
		if s == "" {
			return nil, nil
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out, nil

	case model.FieldMultipleRecordLinks:
		return cellToLinks(ctx, s, field)

	case model.FieldMultipleAttachments:
		return nil, []Issue{{FieldName: field.Name, Message: "attachments unsupported on write, skipped", Fatal: false}}

	default:
		return s, nil
	}
}

func linksToCell(ctx Context, value interface{}, field model.Field) (interface{}, []Issue) {
	ids := linkIDs(value)
	if len(ids) == 0 {
		return "", nil
	}
	if ctx.Resolver == nil || !ctx.Config.ResolveLinkedRecords {
		sort.Strings(ids)
		return strings.Join(ids, ", "), nil
	}
	names, missing, err := ctx.Resolver.ResolveIDsToNames(ctx.BaseID, field.LinkedTableID, ids)
	if err != nil {
		sort.Strings(ids)
		return strings.Join(ids, ", "), []Issue{{FieldName: field.Name, Message: "linked record resolution failed, fell back to ids: " + err.Error(), Fatal: false}}
	}
	var issues []Issue
	if len(missing) > 0 {
		issues = append(issues, Issue{FieldName: field.Name, Message: fmt.Sprintf("%d linked record(s) unresolved, fell back to ids", len(missing)), Fatal: false})
	}
	return strings.Join(append(names, missing...), ", "), issues
}

func attachmentsToCell(value interface{}) interface{} {
	items, ok := value.([]interface{})
	if !ok {
		return ""
	}
	var urls []string
	for _, it := range items {
		m, ok := it.(map[string]interface{})
		if !ok {
			continue
		}
		if u, ok := m["url"].(string); ok {
			urls = append(urls, u)
		}
	}
	return strings.Join(urls, ", ")
}

func cellToLinks(ctx Context, s string, field model.Field) (interface{}, []Issue) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			names = append(names, p)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	if ctx.Resolver == nil {
		return nil, []Issue{{FieldName: field.Name, Message: "linked record resolution unavailable", Fatal: ctx.Mode == model.Strict}}
	}
	ids, missing, err := ctx.Resolver.ResolveNamesToIds(ctx.BaseID, field.LinkedTableID, names, ctx.Config.CreateMissingLinkedRecords)
	if err != nil {
		return nil, []Issue{{FieldName: field.Name, Message: "linked record resolution failed: " + err.Error(), Fatal: ctx.Mode == model.Strict}}
	}
	var issues []Issue
	if len(missing) > 0 {
		issues = append(issues, Issue{FieldName: field.Name, Message: fmt.Sprintf("%d linked record name(s) unresolved: %s", len(missing), strings.Join(missing, ", ")), Fatal: ctx.Mode == model.Strict})
	}
	links := make([]model.RecordLink, 0, len(ids))
	for _, id := range ids {
		links = append(links, model.RecordLink{ID: id})
	}
	return links, issues
}

func linkIDs(value interface{}) []string {
	switch v := value.(type) {
	case []interface{}:
		ids := make([]string, 0, len(v))
		for _, it := range v {
			switch e := it.(type) {
			case map[string]interface{}:
				if id, ok := e["id"].(string); ok {
					ids = append(ids, id)
				}
			case model.RecordLink:
				ids = append(ids, e.ID)
			case string:
				ids = append(ids, e)
			}
		}
		return ids
	case []model.RecordLink:
		ids := make([]string, 0, len(v))
		for _, l := range v {
			ids = append(ids, l.ID)
		}
		return ids
	case []string:
		return append([]string(nil), v...)
	}
	return nil
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toTime(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		return ParseDate(v)
	}
	return time.Time{}, false
}

func toStringSlice(value interface{}) ([]string, bool) {
	switch v := value.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, it := range v {
			out = append(out, fmt.Sprintf("%v", it))
		}
		return out, true
	case []string:
		return v, true
	}
	return nil, false
}

func cellString(cell interface{}) string {
	if cell == nil {
		return ""
	}
	switch v := cell.(type) {
	case string:
		return strings.TrimSpace(v)
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return formatNumber(v)
	}
	return strings.TrimSpace(fmt.Sprintf("%v", cell))
}

// ToSyncIssues converts a slice of Issue into synerr-flavored model.SyncIssue
// entries carrying a record/row context. Every issue becomes
// model.ErrTransform whatever its Fatal flag; whether it aborts the run is
// decided by the engine's ValidationMode (strict: any issue, lenient: a
// warning).
func ToSyncIssues(issues []Issue, recordID string, rowIndex int) []model.SyncIssue {
	out := make([]model.SyncIssue, 0, len(issues))
	for _, is := range issues {
		out = append(out, synerr.New(model.ErrTransform, is.Message).WithRecord(recordID).WithRow(rowIndex).WithField(is.FieldName).Issue())
	}
	return out
}
