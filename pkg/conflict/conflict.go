// Package conflict implements ConflictDetector from spec.md section 4.4:
// content hashing, diff classification against last-known state, and
// policy-driven conflict resolution.
package conflict

import (
	"moul.io/basesync/pkg/model"
)

// Kind classifies one record-id's status for this sync pass.
type Kind string

const (
	NoChange           Kind = "NO_CHANGE"
	NewInAirtable      Kind = "NEW_IN_AIRTABLE"
	NewInSheets        Kind = "NEW_IN_SHEETS"
	AirtableOnlyChange Kind = "AIRTABLE_ONLY_CHANGE"
	SheetsOnlyChange   Kind = "SHEETS_ONLY_CHANGE"
	Conflict           Kind = "CONFLICT"
)

// Classification is the per-record-id result of Classify.
type Classification struct {
	RecordID     string
	Kind         Kind
	ConflictKind model.ConflictKind // set only when Kind == Conflict
	Deleted      bool               // an AirtableOnlyChange/SheetsOnlyChange that represents a deletion to propagate
}

// HashedSide is one side's id -> content-hash map, as produced by the
// caller from AirtableRecord.Fields (via HashRecord) or a SheetRow (via
// HashRow).
type HashedSide map[string]string

// Classify implements the classification matrix of spec.md section 4.4.
// Sheet rows whose id-column is blank must be pre-keyed by the caller as
// "row_<rowIndex>" (spec.md section 4.4's synthetic-identifier rule) and
// are always classified as NewInSheets, since a synthetic key can never
// appear in `last`.
func Classify(airtable HashedSide, sheet HashedSide, last map[string]model.RecordState) []Classification {
	seen := make(map[string]bool, len(airtable)+len(sheet))
	for id := range airtable {
		seen[id] = true
	}
	for id := range sheet {
		seen[id] = true
	}

	out := make([]Classification, 0, len(seen))
	for id := range seen {
		aHash, aOk := airtable[id]
		sHash, sOk := sheet[id]
		l, hasL := last[id]

		if !hasL {
			switch {
			case aOk && sOk:
				// Already the same id on both sides with no prior state: a
				// pre-populated sheet whose id-column already matches an
				// Airtable record. Nothing to reconcile; the caller should
				// just capture a baseline RecordState (spec.md section 4.4's
				// "handled per first-run policy" row).
				out = append(out, Classification{RecordID: id, Kind: NoChange})
			case aOk:
				out = append(out, Classification{RecordID: id, Kind: NewInAirtable})
			case sOk:
				out = append(out, Classification{RecordID: id, Kind: NewInSheets})
			}
			continue
		}

		aChanged := aOk && aHash != l.ContentHash
		sChanged := sOk && sHash != l.ContentHash

		switch {
		case aOk && sOk && !aChanged && !sChanged:
			out = append(out, Classification{RecordID: id, Kind: NoChange})
		case aOk && sOk && aChanged && !sChanged:
			out = append(out, Classification{RecordID: id, Kind: AirtableOnlyChange})
		case aOk && sOk && !aChanged && sChanged:
			out = append(out, Classification{RecordID: id, Kind: SheetsOnlyChange})
		case aOk && sOk && aChanged && sChanged:
			out = append(out, Classification{RecordID: id, Kind: Conflict, ConflictKind: model.BothModified})
		case aOk && !sOk && aChanged:
			out = append(out, Classification{RecordID: id, Kind: Conflict, ConflictKind: model.DeletedInSheets})
		case !aOk && sOk && sChanged:
			out = append(out, Classification{RecordID: id, Kind: Conflict, ConflictKind: model.DeletedInAirtable})
		case aOk && !sOk && !aChanged:
			// Sheet row removed, Airtable unchanged: the sheet's deletion is
			// the delta to reconcile.
			out = append(out, Classification{RecordID: id, Kind: SheetsOnlyChange, Deleted: true})
		case !aOk && sOk && !sChanged:
			// Airtable record removed, sheet unchanged: Airtable's deletion
			// is the delta to reconcile.
			out = append(out, Classification{RecordID: id, Kind: AirtableOnlyChange, Deleted: true})
		}
	}
	return out
}

// ResolveConflicts applies policy to every Conflict-kind classification,
// per spec.md section 4.4's per-policy rules. NEWEST_WINS degrades to
// AIRTABLE_WINS for BOTH_MODIFIED and treats either-side deletions as
// newer than edits, because neither provider exposes reliable per-cell
// modification timestamps (spec.md sections 4.4 and 9).
func ResolveConflicts(classifications []Classification, policy model.ConflictPolicy) []model.Resolution {
	out := make([]model.Resolution, 0, len(classifications))
	for _, c := range classifications {
		if c.Kind != Conflict {
			continue
		}
		out = append(out, resolveOne(c, policy))
	}
	return out
}

func resolveOne(c Classification, policy model.ConflictPolicy) model.Resolution {
	switch policy {
	case model.SheetsWins:
		switch c.ConflictKind {
		case model.DeletedInSheets:
			return model.Resolution{RecordID: c.RecordID, Action: model.DeleteBoth, Reason: "sheets_wins: sheet deleted the record"}
		case model.DeletedInAirtable:
			return model.Resolution{RecordID: c.RecordID, Action: model.UseSheets, Reason: "sheets_wins: restore airtable record deleted while sheet still changed"}
		default: // BothModified
			return model.Resolution{RecordID: c.RecordID, Action: model.UseSheets, Reason: "sheets_wins: both sides modified"}
		}

	case model.NewestWins:
		switch c.ConflictKind {
		case model.DeletedInSheets, model.DeletedInAirtable:
			return model.Resolution{RecordID: c.RecordID, Action: model.DeleteBoth, Reason: "newest_wins: deletions are treated as newer than edits (degraded policy, see spec.md section 4.4)"}
		default: // BothModified: no reliable per-cell timestamps, degrade to AIRTABLE_WINS
			return model.Resolution{RecordID: c.RecordID, Action: model.UseAirtable, Reason: "newest_wins degraded to airtable_wins: no reliable per-cell modification timestamps"}
		}

	default: // AirtableWins
		switch c.ConflictKind {
		case model.DeletedInAirtable:
			return model.Resolution{RecordID: c.RecordID, Action: model.DeleteBoth, Reason: "airtable_wins: airtable deleted the record"}
		case model.DeletedInSheets:
			return model.Resolution{RecordID: c.RecordID, Action: model.UseAirtable, Reason: "airtable_wins: restore sheet row deleted while airtable still changed"}
		default: // BothModified
			return model.Resolution{RecordID: c.RecordID, Action: model.UseAirtable, Reason: "airtable_wins: both sides modified"}
		}
	}
}
