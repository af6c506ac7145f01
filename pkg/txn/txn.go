package txn

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reifydb/reifydb/pkg/cdc"
	"github.com/reifydb/reifydb/pkg/delta"
	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/events"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/log"
	"github.com/reifydb/reifydb/pkg/metrics"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/storage"
	"github.com/reifydb/reifydb/pkg/store"
)

// Mode selects the writer conflict strategy.
type Mode uint8

const (
	// ModeOptimistic validates write sets at commit time and aborts on
	// write-write collision.
	ModeOptimistic Mode = iota
	// ModeSerializable serialises writers behind a single exclusive
	// lock. Readers never block.
	ModeSerializable
)

// Config holds transaction manager settings.
type Config struct {
	Mode Mode
	// WaitTimeout bounds reads that wait for the watermark to reach a
	// requested version.
	WaitTimeout time.Duration
}

// DefaultConfig returns optimistic mode with a 30 second visibility wait.
func DefaultConfig() Config {
	return Config{Mode: ModeOptimistic, WaitTimeout: 30 * time.Second}
}

type recentCommit struct {
	version uint64
	keys    map[string]struct{}
}

// Manager assigns commit versions, detects conflicts, orders commits into
// the store and drives the watermark.
type Manager struct {
	store   *store.Store
	tracker *cdc.SequenceTracker
	wm      *Watermark
	broker  *events.Broker
	cfg     Config
	logger  zerolog.Logger

	// writeLock serialises writers in serializable mode.
	writeLock sync.Mutex

	mu          sync.Mutex
	nextTxnID   uint64
	nextVersion uint64
	active      map[uint64]uint64
	recent      []recentCommit
}

// NewManager creates a manager over an opened store. broker may be nil.
func NewManager(s *store.Store, cfg Config, broker *events.Broker) *Manager {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	base := s.AppliedVersion()
	m := &Manager{
		store:       s,
		tracker:     cdc.NewSequenceTracker(),
		wm:          NewWatermark(base),
		broker:      broker,
		cfg:         cfg,
		logger:      log.WithComponent("txn"),
		nextVersion: base,
		active:      make(map[uint64]uint64),
	}
	s.OnApplied(m.wm.Done)
	return m
}

// Close shuts the watermark down. In-flight transactions fail their waits.
func (m *Manager) Close() {
	m.wm.Close()
}

// Watermark returns the highest version guaranteed visible to readers.
func (m *Manager) Watermark() uint64 {
	return m.wm.DoneUntil()
}

// Store exposes the underlying multi-version store.
func (m *Manager) Store() *store.Store {
	return m.store
}

// WaitForVersion blocks until the watermark reaches version or the bounded
// wait expires.
func (m *Manager) WaitForVersion(ctx context.Context, version uint64) error {
	return m.wm.WaitFor(ctx, version, m.cfg.WaitTimeout)
}

// BeginQuery starts a read-only transaction at the current watermark.
func (m *Manager) BeginQuery() *QueryTxn {
	return &QueryTxn{mgr: m, version: m.wm.DoneUntil()}
}

// BeginQueryAt starts a read-only transaction at an explicit version,
// waiting (bounded) for the watermark when the version is still in flight.
func (m *Manager) BeginQueryAt(ctx context.Context, version uint64) (*QueryTxn, error) {
	if version > m.wm.DoneUntil() {
		if err := m.wm.WaitFor(ctx, version, m.cfg.WaitTimeout); err != nil {
			return nil, err
		}
	}
	return &QueryTxn{mgr: m, version: version}, nil
}

// BeginCommand starts a read-write transaction.
func (m *Manager) BeginCommand() (*CommandTxn, error) {
	return m.beginWrite(false)
}

// BeginAdmin starts a read-write transaction permitted to mutate catalog
// objects.
func (m *Manager) BeginAdmin() (*CommandTxn, error) {
	return m.beginWrite(true)
}

func (m *Manager) beginWrite(admin bool) (*CommandTxn, error) {
	if m.cfg.Mode == ModeSerializable {
		m.writeLock.Lock()
	}
	m.mu.Lock()
	m.nextTxnID++
	id := m.nextTxnID
	readVersion := m.wm.DoneUntil()
	m.active[id] = readVersion
	m.mu.Unlock()

	metrics.ActiveTransactions.Inc()
	return &CommandTxn{
		mgr:         m,
		id:          id,
		readVersion: readVersion,
		pending:     newPendingWrites(),
		admin:       admin,
	}, nil
}

// QueryTxn is a read-only transaction pinned to one version. Its snapshot
// is immutable: re-reads of a key return identical bytes regardless of
// concurrent committers.
type QueryTxn struct {
	mgr     *Manager
	version uint64
}

// Version returns the snapshot version.
func (t *QueryTxn) Version() uint64 { return t.version }

// Get performs a point lookup; tombstones read as not found.
func (t *QueryTxn) Get(k key.EncodedKey) (schema.EncodedRow, bool, error) {
	e, ok, err := t.mgr.store.Get(k, t.version)
	if err != nil || !ok {
		return nil, false, err
	}
	return schema.EncodedRow(e.Row), true, nil
}

// Contains reports whether a live value exists for the key.
func (t *QueryTxn) Contains(k key.EncodedKey) (bool, error) {
	return t.mgr.store.Contains(k, t.version)
}

// RangeItem is one row of a range result. Version is zero for uncommitted
// writes surfaced by a command transaction.
type RangeItem struct {
	Key     key.EncodedKey
	Row     schema.EncodedRow
	Version uint64
}

// RangeBatch is one page of a range iteration.
type RangeBatch struct {
	Items   []RangeItem
	Cursor  storage.Cursor
	HasMore bool
}

// Range iterates [start, end) ascending at the snapshot version.
func (t *QueryTxn) Range(start, end key.EncodedKey, cursor storage.Cursor, limit int) (RangeBatch, error) {
	b, err := t.mgr.store.Range(start, end, t.version, cursor, limit)
	return toRangeBatch(b), err
}

// RangeRev iterates [start, end) descending.
func (t *QueryTxn) RangeRev(start, end key.EncodedKey, cursor storage.Cursor, limit int) (RangeBatch, error) {
	b, err := t.mgr.store.RangeRev(start, end, t.version, cursor, limit)
	return toRangeBatch(b), err
}

// Prefix iterates every key under the prefix.
func (t *QueryTxn) Prefix(prefix key.EncodedKey, cursor storage.Cursor, limit int) (RangeBatch, error) {
	return t.Range(prefix, key.PrefixEnd(prefix), cursor, limit)
}

func toRangeBatch(b store.Batch) RangeBatch {
	out := RangeBatch{Cursor: b.Cursor, HasMore: b.HasMore}
	for _, e := range b.Entries {
		out.Items = append(out.Items, RangeItem{
			Key:     key.EncodedKey(e.Key),
			Row:     schema.EncodedRow(e.Row),
			Version: e.Version,
		})
	}
	return out
}

// CommandTxn is a read-write transaction. Writes buffer in a pending map
// layered over the snapshot; reads see their own writes.
type CommandTxn struct {
	mgr         *Manager
	id          uint64
	readVersion uint64
	pending     *pendingWrites
	drops       []delta.Delta
	admin       bool
	done        bool
}

// Admin reports whether the transaction may mutate catalog objects.
func (t *CommandTxn) Admin() bool { return t.admin }

// ReadVersion returns the snapshot version reads observe.
func (t *CommandTxn) ReadVersion() uint64 { return t.readVersion }

// Get returns the pending value when the key was written in this
// transaction, otherwise the snapshot value.
func (t *CommandTxn) Get(k key.EncodedKey) (schema.EncodedRow, bool, error) {
	if row, removed, ok := t.pending.get(k); ok {
		if removed {
			return nil, false, nil
		}
		return row, true, nil
	}
	e, ok, err := t.mgr.store.Get(k, t.readVersion)
	if err != nil || !ok {
		return nil, false, err
	}
	return schema.EncodedRow(e.Row), true, nil
}

// Contains reports whether the key reads as present.
func (t *CommandTxn) Contains(k key.EncodedKey) (bool, error) {
	_, ok, err := t.Get(k)
	return ok, err
}

// Set buffers a write. A removed-then-set key becomes a set; repeated sets
// keep the last value.
func (t *CommandTxn) Set(k key.EncodedKey, row schema.EncodedRow) error {
	if t.done {
		return diag.Invalid("TXN_001", "transaction already finished")
	}
	t.pending.set(k, row)
	return nil
}

// Remove buffers a deletion. A set-then-removed key becomes a remove.
func (t *CommandTxn) Remove(k key.EncodedKey) error {
	if t.done {
		return diag.Invalid("TXN_001", "transaction already finished")
	}
	t.pending.remove(k)
	return nil
}

// Drop buffers a retention erase of every version of k at or below
// upToVersion. Drops bypass CDC.
func (t *CommandTxn) Drop(k key.EncodedKey, upToVersion uint64) error {
	if t.done {
		return diag.Invalid("TXN_001", "transaction already finished")
	}
	t.drops = append(t.drops, delta.Drop(k, upToVersion))
	return nil
}

// Range iterates the snapshot with pending writes layered on top; pending
// wins per key and buffered removals hide snapshot rows.
func (t *CommandTxn) Range(start, end key.EncodedKey, cursor storage.Cursor, limit int) (RangeBatch, error) {
	b, err := t.mgr.store.Range(start, end, t.readVersion, cursor, limit)
	if err != nil {
		return RangeBatch{}, err
	}
	return t.overlay(toRangeBatch(b), cursor, start, end, limit, false), nil
}

// RangeRev is Range in descending key order.
func (t *CommandTxn) RangeRev(start, end key.EncodedKey, cursor storage.Cursor, limit int) (RangeBatch, error) {
	b, err := t.mgr.store.RangeRev(start, end, t.readVersion, cursor, limit)
	if err != nil {
		return RangeBatch{}, err
	}
	return t.overlay(toRangeBatch(b), cursor, start, end, limit, true), nil
}

// Prefix iterates every key under the prefix.
func (t *CommandTxn) Prefix(prefix key.EncodedKey, cursor storage.Cursor, limit int) (RangeBatch, error) {
	return t.Range(prefix, key.PrefixEnd(prefix), cursor, limit)
}

// overlay merges buffered writes into a snapshot page.
func (t *CommandTxn) overlay(base RangeBatch, cursor storage.Cursor, start, end key.EncodedKey, limit int, reverse bool) RangeBatch {
	pend := t.pending.inRange(start, end, reverse)
	if len(cursor) > 0 {
		filtered := pend[:0]
		for _, p := range pend {
			c := bytes.Compare(p.key, key.EncodedKey(cursor))
			if (!reverse && c > 0) || (reverse && c < 0) {
				filtered = append(filtered, p)
			}
		}
		pend = filtered
	}
	// when the snapshot page was truncated, cap pending keys at its
	// horizon so resumed iteration does not skip snapshot rows
	if base.HasMore && len(base.Items) > 0 {
		horizon := base.Items[len(base.Items)-1].Key
		filtered := pend[:0]
		for _, p := range pend {
			c := bytes.Compare(p.key, horizon)
			if (!reverse && c <= 0) || (reverse && c >= 0) {
				filtered = append(filtered, p)
			}
		}
		pend = filtered
	}

	less := func(a, b key.EncodedKey) bool {
		c := bytes.Compare(a, b)
		if reverse {
			return c > 0
		}
		return c < 0
	}

	out := RangeBatch{HasMore: base.HasMore}
	i, j := 0, 0
	emit := func(item RangeItem) bool {
		if limit > 0 && len(out.Items) >= limit {
			out.HasMore = true
			return false
		}
		out.Items = append(out.Items, item)
		return true
	}
	for i < len(base.Items) || j < len(pend) {
		switch {
		case j >= len(pend) || (i < len(base.Items) && less(base.Items[i].Key, pend[j].key)):
			if !emit(base.Items[i]) {
				i = len(base.Items)
				j = len(pend)
				break
			}
			i++
		case i >= len(base.Items) || less(pend[j].key, base.Items[i].Key):
			if !pend[j].removed {
				if !emit(RangeItem{Key: pend[j].key, Row: pend[j].row}) {
					i = len(base.Items)
					j = len(pend)
					break
				}
			}
			j++
		default: // same key: pending wins
			if !pend[j].removed {
				if !emit(RangeItem{Key: pend[j].key, Row: pend[j].row}) {
					i = len(base.Items)
					j = len(pend)
					break
				}
			}
			i++
			j++
		}
	}
	if n := len(out.Items); n > 0 {
		out.Cursor = storage.Cursor(out.Items[n-1].Key)
	} else {
		out.Cursor = base.Cursor
	}
	return out
}

// Rollback discards all buffered writes. No version is assigned.
func (t *CommandTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

// Commit assigns the next version, applies the buffered writes through the
// commit buffer, records one CDC entry per surviving key and returns the
// commit version once the watermark covers it (or the wait timeout passes),
// so the caller's next transaction reads the commit. An empty commit assigns
// no version and returns the read version.
func (t *CommandTxn) Commit() (uint64, error) {
	if t.done {
		return 0, diag.Invalid("TXN_001", "transaction already finished")
	}
	timer := metrics.NewTimer()

	changes, userDeltas, err := t.materialise()
	if err != nil {
		t.finish()
		return 0, err
	}
	if len(userDeltas) == 0 && len(t.drops) == 0 {
		t.finish()
		return t.readVersion, nil
	}

	writeSet := make(map[string]struct{}, len(userDeltas)+len(t.drops))
	for _, d := range userDeltas {
		writeSet[string(d.Key)] = struct{}{}
	}
	for _, d := range t.drops {
		writeSet[string(d.Key)] = struct{}{}
	}

	m := t.mgr
	m.mu.Lock()
	if m.cfg.Mode == ModeOptimistic {
		for _, rc := range m.recent {
			if rc.version <= t.readVersion {
				continue
			}
			for k := range writeSet {
				if _, clash := rc.keys[k]; clash {
					m.mu.Unlock()
					t.finish()
					metrics.ConflictsTotal.Inc()
					return 0, diag.Conflict("TXN_002",
						"write set collides with commit at version %d", rc.version)
				}
			}
		}
	}
	m.nextVersion++
	version := m.nextVersion
	m.wm.Begin(version)
	m.recent = append(m.recent, recentCommit{version: version, keys: writeSet})
	delete(m.active, t.id)
	m.pruneRecentLocked()
	m.mu.Unlock()

	deltas := userDeltas
	for _, c := range changes {
		seq := m.tracker.Next(version)
		ck := key.Cdc{Version: version, Sequence: seq}.Encode()
		deltas = append(deltas, delta.Set(ck, schema.EncodedRow(cdc.EncodeChange(c))))
		metrics.CdcEntriesTotal.Inc()
	}
	deltas = append(deltas, t.drops...)

	if err := m.store.ApplyCommit(version, deltas); err != nil {
		// unblock the watermark; the version is burnt
		m.wm.Done(version)
		t.finishCommitted()
		m.logger.Error().Err(err).Uint64("version", version).Msg("Commit apply failed")
		return 0, err
	}
	if err := m.wm.WaitFor(context.Background(), version, m.cfg.WaitTimeout); err != nil {
		m.logger.Warn().Err(err).Uint64("version", version).Msg("Commit applied but not yet visible")
	}

	t.finishCommitted()
	metrics.CommitsTotal.Inc()
	timer.ObserveDuration(metrics.CommitDuration)
	if m.broker != nil {
		m.broker.Publish(&events.Event{
			Type:    events.EventCommitApplied,
			Version: version,
			Deltas:  len(userDeltas),
		})
	}
	return version, nil
}

// materialise coalesces the pending log into deltas and CDC changes. Keys
// whose net effect is nothing (inserted then removed within the
// transaction) vanish entirely.
func (t *CommandTxn) materialise() ([]cdc.Change, []delta.Delta, error) {
	var (
		changes []cdc.Change
		deltas  []delta.Delta
	)
	for _, w := range t.pending.entries {
		pre, hadPre, err := t.mgr.store.Get(w.key, t.readVersion)
		if err != nil {
			return nil, nil, err
		}
		if w.removed {
			if !hadPre {
				// nothing existed and nothing remains
				continue
			}
			deltas = append(deltas, delta.Remove(w.key))
			changes = append(changes, cdc.Change{
				Op: cdc.OpRemove, Key: w.key, Pre: schema.EncodedRow(pre.Row),
			})
			continue
		}
		deltas = append(deltas, delta.Set(w.key, w.row))
		if hadPre {
			changes = append(changes, cdc.Change{
				Op: cdc.OpUpdate, Key: w.key,
				Pre: schema.EncodedRow(pre.Row), Post: w.row,
			})
		} else {
			changes = append(changes, cdc.Change{
				Op: cdc.OpInsert, Key: w.key, Post: w.row,
			})
		}
	}
	return changes, deltas, nil
}

// pruneRecentLocked discards conflict records no active or future writer
// can still collide with: future writers begin at or above the watermark,
// active ones at their recorded read version. Caller holds m.mu.
func (m *Manager) pruneRecentLocked() {
	min := m.wm.DoneUntil()
	for _, readVersion := range m.active {
		if readVersion < min {
			min = readVersion
		}
	}
	keep := m.recent[:0]
	for _, rc := range m.recent {
		if rc.version > min {
			keep = append(keep, rc)
		}
	}
	m.recent = keep
}

func (t *CommandTxn) finish() {
	if t.done {
		return
	}
	t.done = true
	m := t.mgr
	m.mu.Lock()
	delete(m.active, t.id)
	m.mu.Unlock()
	if m.cfg.Mode == ModeSerializable {
		m.writeLock.Unlock()
	}
	metrics.ActiveTransactions.Dec()
}

// finishCommitted is finish for the path that already deregistered the
// transaction under the version lock.
func (t *CommandTxn) finishCommitted() {
	if t.done {
		return
	}
	t.done = true
	if t.mgr.cfg.Mode == ModeSerializable {
		t.mgr.writeLock.Unlock()
	}
	metrics.ActiveTransactions.Dec()
}
