package store

import (
	"bytes"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reifydb/reifydb/pkg/delta"
	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/log"
	"github.com/reifydb/reifydb/pkg/metrics"
	"github.com/reifydb/reifydb/pkg/storage"
)

// Config holds tiering policy knobs.
type Config struct {
	// HotRetention is how long committed versions stay in the hot tier
	// before age-based eviction moves them down.
	HotRetention time.Duration
	// HotSizeBudget caps the hot tier; overflow evicts oldest versions.
	HotSizeBudget int64
	// WarmSizeBudget caps the warm tier the same way.
	WarmSizeBudget int64
	// EvictInterval is the cadence of the background eviction loop.
	EvictInterval time.Duration
	// EvictBatch bounds entries moved per eviction step.
	EvictBatch int
}

// DefaultConfig returns the reference tiering policy.
func DefaultConfig() Config {
	return Config{
		HotRetention:  60 * time.Second,
		HotSizeBudget: 256 << 20,
		WarmSizeBudget: 4 << 30,
		EvictInterval: 5 * time.Second,
		EvictBatch:    4096,
	}
}

type versionStamp struct {
	version uint64
	at      time.Time
}

// Store is the tiered multi-version key-value store. Writes arrive as
// versioned delta batches through the commit buffer and land in the hot
// tier; background eviction moves older versions down the hierarchy.
type Store struct {
	tiers []storage.Tier
	cfg   Config

	mu        sync.Mutex
	buf       *CommitBuffer
	onApplied func(version uint64)
	clock     []versionStamp
	applied   uint64

	logger zerolog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a store over the given tiers, ordered hot first. At least one
// tier is required.
func New(cfg Config, tiers ...storage.Tier) (*Store, error) {
	if len(tiers) == 0 {
		return nil, diag.Invalid("STR_001", "store needs at least one tier")
	}
	for _, t := range tiers {
		for _, table := range []string{storage.TableMultiVersion, storage.TableCdc} {
			if err := t.EnsureTable(table); err != nil {
				return nil, err
			}
		}
	}
	s := &Store{
		tiers:  tiers,
		cfg:    cfg,
		buf:    NewCommitBuffer(),
		logger: log.WithComponent("store"),
		stopCh: make(chan struct{}),
	}
	if err := s.recoverAppliedVersion(); err != nil {
		return nil, err
	}
	return s, nil
}

// recoverAppliedVersion finds the highest committed version already on
// disk, so a re-opened store resumes version assignment past it. The CDC
// table records every commit, making its last entry the high-water mark.
func (s *Store) recoverAppliedVersion() error {
	for _, t := range s.tiers {
		entries, _, _, err := t.RangeRevNext(storage.TableCdc, nil, nil, nil, ^uint64(0), 1)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Version > s.applied {
				s.applied = e.Version
			}
		}
	}
	if s.applied > 0 {
		s.logger.Info().Uint64("version", s.applied).Msg("Recovered applied version")
	}
	return nil
}

// OnApplied registers a callback invoked (outside the store lock is NOT
// guaranteed) for every commit version once its deltas hit storage, in
// strictly increasing version order.
func (s *Store) OnApplied(fn func(version uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onApplied = fn
}

// Start launches the background eviction loop.
func (s *Store) Start() {
	if len(s.tiers) < 2 || s.cfg.EvictInterval <= 0 {
		return
	}
	s.wg.Add(1)
	go s.evictLoop()
}

// Close stops background work and closes every tier.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	var firstErr error
	for _, t := range s.tiers {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func tableFor(k key.EncodedKey) string {
	if kind, err := key.KindOf(k); err == nil && kind == key.KindCdc {
		return storage.TableCdc
	}
	return storage.TableMultiVersion
}

// ApplyCommit hands a commit batch to the buffer and applies every commit
// that became ready, in version order. Deltas inside one commit apply
// atomically per table batch.
func (s *Store) ApplyCommit(version uint64, deltas []delta.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Add(version, deltas)
	for _, c := range s.buf.DrainReady() {
		if err := s.applyOne(c); err != nil {
			return err
		}
		s.applied = c.Version
		s.clock = append(s.clock, versionStamp{version: c.Version, at: time.Now()})
		if s.onApplied != nil {
			s.onApplied(c.Version)
		}
		metrics.CommitsApplied.Inc()
	}
	return nil
}

func (s *Store) applyOne(c BufferedCommit) error {
	hot := s.tiers[0]
	batches := make(map[string][]storage.Entry)
	for _, d := range c.Deltas {
		table := tableFor(d.Key)
		switch d.Op {
		case delta.OpSet:
			batches[table] = append(batches[table], storage.Entry{
				Key: d.Key, Row: d.Row, Version: c.Version,
			})
		case delta.OpRemove:
			batches[table] = append(batches[table], storage.Entry{
				Key: d.Key, Version: c.Version, Tombstone: true,
			})
		case delta.OpUnset:
			for _, t := range s.tiers {
				if err := t.Unset(table, d.Key, c.Version); err != nil {
					return err
				}
			}
		case delta.OpDrop:
			spec := []storage.DropSpec{{Key: d.Key, UpToVersion: d.UpToVersion}}
			for _, t := range s.tiers {
				if err := t.Drop(table, spec); err != nil {
					return err
				}
			}
		default:
			return diag.Internal("STR_002", "unknown delta op %d", d.Op)
		}
	}
	for table, entries := range batches {
		if err := hot.Set(table, entries); err != nil {
			return err
		}
	}
	return nil
}

// AppliedVersion returns the highest version whose commit has reached
// storage.
func (s *Store) AppliedVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// GetEntry returns the latest entry for key at version <= maxVersion,
// tombstones included. Across tiers the entry with the highest version wins.
func (s *Store) GetEntry(k key.EncodedKey, maxVersion uint64) (storage.Entry, bool, error) {
	return s.getEntry(tableFor(k), k, maxVersion)
}

func (s *Store) getEntry(table string, k []byte, maxVersion uint64) (storage.Entry, bool, error) {
	var (
		best  storage.Entry
		found bool
	)
	for _, t := range s.tiers {
		e, ok, err := t.Get(table, k, maxVersion)
		if err != nil {
			return storage.Entry{}, false, err
		}
		if ok && (!found || e.Version > best.Version) {
			best, found = e, true
		}
	}
	return best, found, nil
}

// Get performs a point lookup at a version. Tombstones read as not found.
func (s *Store) Get(k key.EncodedKey, maxVersion uint64) (storage.Entry, bool, error) {
	e, ok, err := s.GetEntry(k, maxVersion)
	if err != nil || !ok || e.Tombstone {
		return storage.Entry{}, false, err
	}
	return e, true, nil
}

// Contains reports whether a live (non-tombstone) value exists at a version.
func (s *Store) Contains(k key.EncodedKey, maxVersion uint64) (bool, error) {
	_, ok, err := s.Get(k, maxVersion)
	return ok, err
}

// GetAllVersions returns every stored version of a key across all tiers,
// highest version first.
func (s *Store) GetAllVersions(k key.EncodedKey) ([]storage.Entry, error) {
	table := tableFor(k)
	var all []storage.Entry
	for _, t := range s.tiers {
		entries, err := t.GetAllVersions(table, k)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	// tiers may briefly hold duplicates mid-eviction; keep the first
	sortEntriesByVersionDesc(all)
	deduped := all[:0]
	var lastVersion uint64
	seen := false
	for _, e := range all {
		if seen && e.Version == lastVersion {
			continue
		}
		deduped = append(deduped, e)
		lastVersion, seen = e.Version, true
	}
	return deduped, nil
}

func sortEntriesByVersionDesc(entries []storage.Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Version > entries[j-1].Version; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// Batch is one page of a range iteration.
type Batch struct {
	Entries []storage.Entry
	Cursor  storage.Cursor
	HasMore bool
}

// Range returns, per key in [start, end), the latest live version
// <= maxVersion, in ascending key order. Tombstoned keys are skipped.
// Iteration resumes from the returned cursor.
func (s *Store) Range(start, end key.EncodedKey, maxVersion uint64, cursor storage.Cursor, limit int) (Batch, error) {
	return s.mergedRange(storage.TableMultiVersion, start, end, maxVersion, cursor, limit, false, true)
}

// RangeRev is Range in descending key order.
func (s *Store) RangeRev(start, end key.EncodedKey, maxVersion uint64, cursor storage.Cursor, limit int) (Batch, error) {
	return s.mergedRange(storage.TableMultiVersion, start, end, maxVersion, cursor, limit, true, true)
}

// Prefix iterates every key carrying the prefix.
func (s *Store) Prefix(prefix key.EncodedKey, maxVersion uint64, cursor storage.Cursor, limit int) (Batch, error) {
	return s.Range(prefix, key.PrefixEnd(prefix), maxVersion, cursor, limit)
}

// RangeRaw is Range over a chosen table with tombstones included. The CDC
// reader uses it to deliver every entry.
func (s *Store) RangeRaw(table string, start, end key.EncodedKey, maxVersion uint64, cursor storage.Cursor, limit int) (Batch, error) {
	return s.mergedRange(table, start, end, maxVersion, cursor, limit, false, false)
}

func (s *Store) mergedRange(table string, start, end key.EncodedKey, maxVersion uint64, cursor storage.Cursor, limit int, reverse, skipTombstones bool) (Batch, error) {
	type tierPage struct {
		entries []storage.Entry
		hasMore bool
	}
	pages := make([]tierPage, len(s.tiers))
	for i, t := range s.tiers {
		var (
			entries []storage.Entry
			hasMore bool
			err     error
		)
		if reverse {
			entries, _, hasMore, err = t.RangeRevNext(table, cursor, start, end, maxVersion, limit)
		} else {
			entries, _, hasMore, err = t.RangeNext(table, cursor, start, end, maxVersion, limit)
		}
		if err != nil {
			return Batch{}, err
		}
		pages[i] = tierPage{entries: entries, hasMore: hasMore}
		metrics.TierReads.WithLabelValues(t.Name()).Inc()
	}

	// A tier that reported has_more only covered keys up to its last
	// returned key; beyond that horizon its candidates are unknown, so
	// the merge must stop there.
	var horizon []byte
	truncated := false
	for _, p := range pages {
		if !p.hasMore || len(p.entries) == 0 {
			continue
		}
		last := p.entries[len(p.entries)-1].Key
		if horizon == nil || beyond(last, horizon, reverse) {
			horizon = last
		}
		truncated = true
	}

	best := make(map[string]storage.Entry)
	var order []string
	for _, p := range pages {
		for _, e := range p.entries {
			if horizon != nil && beyond(e.Key, horizon, reverse) {
				continue
			}
			ks := string(e.Key)
			if prev, ok := best[ks]; !ok {
				best[ks] = e
				order = append(order, ks)
			} else if e.Version > prev.Version {
				best[ks] = e
			}
		}
	}
	sortKeys(order, reverse)

	var out []storage.Entry
	hasMore := truncated
	for _, ks := range order {
		e := best[ks]
		if skipTombstones && e.Tombstone {
			continue
		}
		if limit > 0 && len(out) >= limit {
			hasMore = true
			break
		}
		out = append(out, e)
	}

	next := cursor
	if len(out) > 0 {
		next = storage.Cursor(out[len(out)-1].Key)
	} else if horizon != nil {
		next = storage.Cursor(horizon)
	}
	return Batch{Entries: out, Cursor: next, HasMore: hasMore}, nil
}

// beyond reports whether k lies past the horizon in iteration order.
func beyond(k, horizon []byte, reverse bool) bool {
	if reverse {
		return bytes.Compare(k, horizon) < 0
	}
	return bytes.Compare(k, horizon) > 0
}

func sortKeys(keys []string, reverse bool) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0; j-- {
			if (!reverse && keys[j] < keys[j-1]) || (reverse && keys[j] > keys[j-1]) {
				keys[j], keys[j-1] = keys[j-1], keys[j]
			} else {
				break
			}
		}
	}
}

// evictLoop runs age- and size-based demotion between adjacent tiers.
func (s *Store) evictLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.evictOnce(); err != nil {
				s.logger.Error().Err(err).Msg("Eviction cycle failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) evictOnce() error {
	cut := s.ageCutoff()
	if cut > 0 {
		if err := s.demote(0, cut); err != nil {
			return err
		}
	}
	budgets := []int64{s.cfg.HotSizeBudget, s.cfg.WarmSizeBudget}
	for i := 0; i < len(s.tiers)-1 && i < len(budgets); i++ {
		if budgets[i] <= 0 {
			continue
		}
		size, err := s.tiers[i].ApproxSize(storage.TableMultiVersion)
		if err != nil {
			return err
		}
		if size > budgets[i] {
			if err := s.demote(i, s.AppliedVersion()+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// ageCutoff returns the lowest version still young enough for the hot tier.
func (s *Store) ageCutoff() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(-s.cfg.HotRetention)
	cut := uint64(0)
	i := 0
	for ; i < len(s.clock); i++ {
		if s.clock[i].at.After(deadline) {
			break
		}
		cut = s.clock[i].version + 1
	}
	s.clock = s.clock[i:]
	return cut
}

// demote moves entries below cutVersion from tier i to tier i+1.
func (s *Store) demote(i int, cutVersion uint64) error {
	if i+1 >= len(s.tiers) {
		return nil
	}
	for _, table := range []string{storage.TableMultiVersion, storage.TableCdc} {
		for {
			entries, err := s.tiers[i].TakeOlder(table, cutVersion, s.cfg.EvictBatch)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				break
			}
			if err := s.tiers[i+1].Set(table, entries); err != nil {
				return err
			}
			metrics.TierEvictions.WithLabelValues(s.tiers[i].Name()).Add(float64(len(entries)))
			if len(entries) < s.cfg.EvictBatch {
				break
			}
		}
	}
	return nil
}
