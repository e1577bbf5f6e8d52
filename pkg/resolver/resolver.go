// Package resolver implements the LinkedRecordResolver from spec.md
// section 4.2: a process-wide, TTL-bounded, name<->id cache per
// (baseID, tableID), with concurrent lookups for the same table
// coalesced via golang.org/x/sync/singleflight the way the retrieved
// jordigilh-kubernaut query executor coalesces duplicate fetches.
package resolver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// LinkedRecord is the minimal shape the resolver needs from a row of a
// linked table: its id and its primary-field display value.
type LinkedRecord struct {
	ID           string
	PrimaryValue string
}

// TableFetcher fetches every record of a linked table. Implementations
// talk to the real AirtableClient; tests can inject a fake.
type TableFetcher interface {
	FetchLinkedTable(ctx context.Context, baseID, tableID string) ([]LinkedRecord, error)
}

// RecordCreator creates a minimal record in a linked table, used when
// createMissing is set and a name has no existing match.
type RecordCreator interface {
	CreateLinkedRecord(ctx context.Context, baseID, tableID, primaryValue string) (id string, err error)
}

const DefaultTTL = 5 * time.Minute

type cacheKey struct {
	baseID  string
	tableID string
}

type tableCache struct {
	idToName map[string]string
	nameToID map[string]string // lower-cased keys
	fetchedAt time.Time
}

func (c *tableCache) expired(ttl time.Duration) bool {
	return c == nil || time.Since(c.fetchedAt) > ttl
}

// Resolver is the LinkedRecordResolver. The zero value is not usable;
// construct with New.
type Resolver struct {
	fetcher TableFetcher
	creator RecordCreator
	ttl     time.Duration

	mu     sync.RWMutex
	tables map[cacheKey]*tableCache

	group singleflight.Group
}

// New builds a Resolver. creator may be nil if CreateMissingLinkedRecords
// is never used.
func New(fetcher TableFetcher, creator RecordCreator, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		fetcher: fetcher,
		creator: creator,
		ttl:     ttl,
		tables:  make(map[cacheKey]*tableCache),
	}
}

func (r *Resolver) getFresh(ctx context.Context, baseID, tableID string) (*tableCache, error) {
	key := cacheKey{baseID, tableID}

	r.mu.RLock()
	cached := r.tables[key]
	r.mu.RUnlock()
	if !cached.expired(r.ttl) {
		return cached, nil
	}

	flightKey := baseID + "/" + tableID
	v, err, _ := r.group.Do(flightKey, func() (interface{}, error) {
		// Re-check under the singleflight key: another goroutine may have
		// refreshed it while we were waiting to enter Do.
		r.mu.RLock()
		cached := r.tables[key]
		r.mu.RUnlock()
		if !cached.expired(r.ttl) {
			return cached, nil
		}

		records, err := r.fetcher.FetchLinkedTable(ctx, baseID, tableID)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch linked table %s/%s", baseID, tableID)
		}

		tc := &tableCache{
			idToName:  make(map[string]string, len(records)),
			nameToID:  make(map[string]string, len(records)),
			fetchedAt: time.Now(),
		}
		for _, rec := range records {
			tc.idToName[rec.ID] = rec.PrimaryValue
			tc.nameToID[strings.ToLower(rec.PrimaryValue)] = rec.ID
		}

		r.mu.Lock()
		r.tables[key] = tc
		r.mu.Unlock()
		return tc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tableCache), nil
}

// ResolveIDsToNames returns the primary-field name for each id, in order.
// Ids that cannot be found are returned (in order) as missing and are
// omitted from names.
func (r *Resolver) ResolveIDsToNames(baseID, tableID string, ids []string) (names []string, missing []string, err error) {
	tc, err := r.getFresh(context.Background(), baseID, tableID)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range ids {
		if name, ok := tc.idToName[id]; ok {
			names = append(names, name)
		} else {
			missing = append(missing, id)
		}
	}
	return names, missing, nil
}

// ResolveNamesToIds returns the record id for each name, in order
// (case-insensitive match). When createMissing is set, an unmatched name
// is created in the linked table via the configured RecordCreator and
// inserted into the cache; otherwise it is reported in missing.
func (r *Resolver) ResolveNamesToIds(baseID, tableID string, names []string, createMissing bool) (ids []string, missing []string, err error) {
	tc, err := r.getFresh(context.Background(), baseID, tableID)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if id, ok := tc.nameToID[key]; ok {
			ids = append(ids, id)
			continue
		}
		if !createMissing {
			missing = append(missing, name)
			continue
		}
		if r.creator == nil {
			missing = append(missing, name)
			continue
		}
		id, cerr := r.creator.CreateLinkedRecord(context.Background(), baseID, tableID, name)
		if cerr != nil {
			missing = append(missing, name)
			continue
		}
		r.mu.Lock()
		tc.idToName[id] = name
		tc.nameToID[key] = id
		r.mu.Unlock()
		ids = append(ids, id)
	}
	return ids, missing, nil
}

// PreloadTable forces a full refetch of a linked table's cache, bypassing
// the TTL, and reports how many records were loaded and how long it took.
func (r *Resolver) PreloadTable(ctx context.Context, baseID, tableID string) (count int, elapsed time.Duration, err error) {
	key := cacheKey{baseID, tableID}
	r.mu.Lock()
	delete(r.tables, key)
	r.mu.Unlock()

	start := time.Now()
	tc, err := r.getFresh(ctx, baseID, tableID)
	if err != nil {
		return 0, time.Since(start), err
	}
	return len(tc.idToName), time.Since(start), nil
}

// Clear drops the cache entry for one table, forcing the next lookup to
// refetch regardless of TTL.
func (r *Resolver) Clear(baseID, tableID string) {
	r.mu.Lock()
	delete(r.tables, cacheKey{baseID, tableID})
	r.mu.Unlock()
}

// ClearExpired drops every cache entry older than ttl. Intended to be
// called periodically by the process hosting the resolver, since the
// cache's lifetime is the process lifetime (spec.md section 9).
func (r *Resolver) ClearExpired(ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, tc := range r.tables {
		if tc.expired(ttl) {
			delete(r.tables, k)
		}
	}
}
