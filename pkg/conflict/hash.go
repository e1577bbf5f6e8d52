package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"moul.io/basesync/pkg/model"
)

// normalize recursively reduces a value to a canonical form before
// hashing: strings are trimmed, numbers are rounded to 6 decimals,
// arrays are sorted (after normalizing each element to a string key for
// sort-stability), linked-record arrays are reduced to sorted id lists,
// and maps are handled key-by-key (map iteration plus the sorted-keys
// JSON marshal below keeps this order-independent).
func normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return strings.TrimSpace(v)
	case float64:
		return roundEpsilon(v)
	case float32:
		return roundEpsilon(float64(v))
	case int:
		return roundEpsilon(float64(v))
	case int64:
		return roundEpsilon(float64(v))
	case bool:
		return v
	case []model.RecordLink:
		ids := make([]string, 0, len(v))
		for _, l := range v {
			ids = append(ids, l.ID)
		}
		sort.Strings(ids)
		return ids
	case []interface{}:
		// Linked-record arrays arrive as []interface{} of map[string]interface{}{"id": ...}
		// from JSON-shaped sources; detect and reduce them the same way.
		if isLinkArray(v) {
			ids := make([]string, 0, len(v))
			for _, it := range v {
				if m, ok := it.(map[string]interface{}); ok {
					if id, ok := m["id"].(string); ok {
						ids = append(ids, id)
					}
				}
			}
			sort.Strings(ids)
			return ids
		}
		items := make([]interface{}, 0, len(v))
		for _, it := range v {
			items = append(items, normalize(it))
		}
		sort.Slice(items, func(i, j int) bool {
			return fmt.Sprint(items[i]) < fmt.Sprint(items[j])
		})
		return items
	case []string:
		out := append([]string(nil), v...)
		sort.Strings(out)
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = normalize(val)
		}
		return out
	default:
		return v
	}
}

func isLinkArray(v []interface{}) bool {
	if len(v) == 0 {
		return false
	}
	for _, it := range v {
		m, ok := it.(map[string]interface{})
		if !ok {
			return false
		}
		if _, ok := m["id"]; !ok {
			return false
		}
	}
	return true
}

func roundEpsilon(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	const factor = 1e6
	return math.Round(f*factor) / factor
}

// canonicalJSON serializes fields sorted by key with every value
// normalized, so the result is stable under key reordering and
// semantic-equality normalization (spec.md section 3 invariant ii).
func canonicalJSON(fields map[string]interface{}) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(normalize(fields[k]))
		if err != nil {
			vb, _ = json.Marshal(fmt.Sprintf("%v", fields[k]))
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String())
}

// HashRecord computes the content hash of an Airtable record's fields:
// SHA-256 over the canonical, normalized JSON serialization of ALL
// fields (not just mapped ones), per spec.md section 3.
func HashRecord(fields map[string]interface{}) string {
	sum := sha256.Sum256(canonicalJSON(fields))
	return hex.EncodeToString(sum[:])
}

// HashRow computes the content hash of a sheet row, excluding the
// id-column (sync metadata, not content) per spec.md section 4.4.
func HashRow(row model.SheetRow, idColumnIndex int) string {
	fields := make(map[string]interface{}, len(row))
	for i, v := range row {
		if i == idColumnIndex {
			continue
		}
		fields[fmt.Sprintf("col_%d", i)] = v
	}
	return HashRecord(fields)
}
