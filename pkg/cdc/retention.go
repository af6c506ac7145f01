package cdc

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/log"
	"github.com/reifydb/reifydb/pkg/metrics"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/storage"
	"github.com/reifydb/reifydb/pkg/store"
)

// RetentionPolicy bounds how far back versions are kept for one source or
// one flow node. Zero fields mean unbounded.
type RetentionPolicy struct {
	MaxAge      time.Duration `json:"max_age"`
	MaxVersions uint64        `json:"max_versions"`
}

// EncodeRetentionPolicy serialises a policy for storage.
func EncodeRetentionPolicy(p RetentionPolicy) (schema.EncodedRow, error) {
	b, err := json.Marshal(p)
	return schema.EncodedRow(b), err
}

// DecodeRetentionPolicy reverses EncodeRetentionPolicy.
func DecodeRetentionPolicy(row schema.EncodedRow) (RetentionPolicy, error) {
	var p RetentionPolicy
	err := json.Unmarshal(row, &p)
	return p, err
}

// SetSourceRetention stores the retention policy of a source primitive.
func SetSourceRetention(txn ConsumerTxn, sourceID uint64, p RetentionPolicy) error {
	row, err := EncodeRetentionPolicy(p)
	if err != nil {
		return err
	}
	return txn.Set(key.SourceRetentionPolicy{Source: sourceID}.Encode(), row)
}

// SetOperatorRetention stores the retention policy of a flow node.
func SetOperatorRetention(txn ConsumerTxn, nodeID uint64, p RetentionPolicy) error {
	row, err := EncodeRetentionPolicy(p)
	if err != nil {
		return err
	}
	return txn.Set(key.OperatorRetentionPolicy{Node: nodeID}.Encode(), row)
}

type versionSample struct {
	version uint64
	at      time.Time
}

// Retention runs garbage collection over old row versions and CDC entries,
// scheduled by cron expressions. GC is an ordinary transaction: its drops
// contend with user writes through the same commit path.
type Retention struct {
	store     *store.Store
	conn      Conn
	watermark func() uint64

	mu      sync.Mutex
	samples []versionSample

	cron   *cron.Cron
	logger zerolog.Logger
}

// NewRetention creates a stopped retention manager.
func NewRetention(s *store.Store, conn Conn, watermark func() uint64) *Retention {
	return &Retention{
		store:     s,
		conn:      conn,
		watermark: watermark,
		cron:      cron.New(cron.WithLocation(time.UTC)),
		logger:    log.WithComponent("retention"),
	}
}

// Start schedules GC under the given cron expression and begins sampling the
// watermark so age-based policies can map durations to versions.
func (r *Retention) Start(schedule string) error {
	if _, err := r.cron.AddFunc(schedule, func() {
		if err := r.RunOnce(); err != nil {
			r.logger.Error().Err(err).Msg("Retention cycle failed")
		}
	}); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("@every 1m", r.sample); err != nil {
		return err
	}
	r.sample()
	r.cron.Start()
	return nil
}

// Stop halts scheduled runs.
func (r *Retention) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Retention) sample() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, versionSample{version: r.watermark(), at: time.Now()})
	if len(r.samples) > 10000 {
		r.samples = r.samples[len(r.samples)-10000:]
	}
}

// versionBefore returns the highest sampled version older than the age.
func (r *Retention) versionBefore(age time.Duration) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline := time.Now().Add(-age)
	cut := uint64(0)
	for _, s := range r.samples {
		if s.at.After(deadline) {
			break
		}
		cut = s.version
	}
	return cut
}

// RunOnce performs one garbage collection cycle across every stored policy.
func (r *Retention) RunOnce() error {
	metrics.RetentionCycles.Inc()
	wm := r.watermark()

	policies, err := r.loadPolicies(wm)
	if err != nil {
		return err
	}
	for _, p := range policies {
		cutoff := r.cutoffFor(p.policy, wm)
		if cutoff == 0 {
			continue
		}
		if err := r.collect(p.prefix, cutoff); err != nil {
			return err
		}
	}
	return nil
}

type boundPolicy struct {
	prefix key.EncodedKey
	policy RetentionPolicy
}

func (r *Retention) loadPolicies(wm uint64) ([]boundPolicy, error) {
	var out []boundPolicy

	srcBatch, err := r.store.Prefix(key.NewSerializer(2).Header(key.KindSourceRetentionPolicy).Finish(), wm, nil, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range srcBatch.Entries {
		decoded, err := key.Decode(key.EncodedKey(e.Key))
		if err != nil {
			continue
		}
		k, ok := decoded.(key.SourceRetentionPolicy)
		if !ok {
			continue
		}
		p, err := DecodeRetentionPolicy(e.Row)
		if err != nil {
			continue
		}
		out = append(out, boundPolicy{prefix: key.RowPrefix(k.Source), policy: p})
	}

	opBatch, err := r.store.Prefix(key.NewSerializer(2).Header(key.KindOperatorRetentionPolicy).Finish(), wm, nil, 0)
	if err != nil {
		return nil, err
	}
	for _, e := range opBatch.Entries {
		decoded, err := key.Decode(key.EncodedKey(e.Key))
		if err != nil {
			continue
		}
		k, ok := decoded.(key.OperatorRetentionPolicy)
		if !ok {
			continue
		}
		p, err := DecodeRetentionPolicy(e.Row)
		if err != nil {
			continue
		}
		out = append(out, boundPolicy{prefix: key.FlowOperatorStatePrefix(k.Node), policy: p})
	}
	return out, nil
}

func (r *Retention) cutoffFor(p RetentionPolicy, wm uint64) uint64 {
	cutoff := uint64(0)
	if p.MaxVersions > 0 && wm > p.MaxVersions {
		cutoff = wm - p.MaxVersions
	}
	if p.MaxAge > 0 {
		byAge := r.versionBefore(p.MaxAge)
		if cutoff == 0 || byAge < cutoff {
			cutoff = byAge
		}
	}
	return cutoff
}

// collect drops historical versions below the cutoff under one key prefix,
// always preserving the newest version at or below the cutoff so reads at
// the cutoff see the same rows as before the drop.
func (r *Retention) collect(prefix key.EncodedKey, cutoff uint64) error {
	txn, err := r.conn.BeginCommand()
	if err != nil {
		return err
	}
	dropped := 0

	// the raw range includes tombstones: a removed key's history is the
	// case retention most needs to reclaim
	var cursor storage.Cursor
	for {
		batch, err := r.store.RangeRaw(storage.TableMultiVersion, prefix, key.PrefixEnd(prefix), cutoff, cursor, 512)
		if err != nil {
			txn.Rollback()
			return err
		}
		for _, e := range batch.Entries {
			versions, err := r.store.GetAllVersions(key.EncodedKey(e.Key))
			if err != nil {
				txn.Rollback()
				return err
			}
			// e.Version is the newest version <= cutoff
			if e.Version == 0 {
				continue
			}
			if e.Tombstone {
				// the key is dead at the cutoff; the tombstone and
				// everything beneath it go, while versions above the
				// cutoff are left in place
				stale := 0
				for _, v := range versions {
					if v.Version <= e.Version {
						stale++
					}
				}
				if stale == 0 {
					continue
				}
				if err := txn.Drop(key.EncodedKey(e.Key), e.Version); err != nil {
					txn.Rollback()
					return err
				}
				dropped += stale
				continue
			}
			// live at the cutoff: keep that version as the base
			// snapshot, erase the history beneath it
			stale := 0
			for _, v := range versions {
				if v.Version < e.Version {
					stale++
				}
			}
			if stale == 0 {
				continue
			}
			if err := txn.Drop(key.EncodedKey(e.Key), e.Version-1); err != nil {
				txn.Rollback()
				return err
			}
			dropped += stale
		}
		if !batch.HasMore {
			break
		}
		cursor = batch.Cursor
	}

	// erase the CDC record of everything below the cutoff
	var cdcCursor storage.Cursor
	reader := NewReader(r.store)
	for cutoff > 1 {
		batch, err := reader.Range(1, cutoff-1, cdcCursor, 512)
		if err != nil {
			txn.Rollback()
			return err
		}
		for _, item := range batch.Items {
			// only this policy's keys; other sources keep their record
			if !bytes.HasPrefix(item.Change.Key, prefix) {
				continue
			}
			ck := key.Cdc{Version: item.Version, Sequence: item.Sequence}.Encode()
			if err := txn.Drop(ck, item.Version); err != nil {
				txn.Rollback()
				return err
			}
			dropped++
		}
		if !batch.HasMore {
			break
		}
		cdcCursor = batch.Cursor
	}

	if dropped == 0 {
		txn.Rollback()
		return nil
	}
	if _, err := txn.Commit(); err != nil {
		return err
	}
	metrics.RetentionDropped.Add(float64(dropped))
	return nil
}
