package cdc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reifydb/reifydb/pkg/cdc"
	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/log"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/storage"
	"github.com/reifydb/reifydb/pkg/store"
	"github.com/reifydb/reifydb/pkg/txn"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestEngine(t *testing.T) (*txn.Manager, *cdc.Reader) {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.EvictInterval = 0
	s, err := store.New(cfg, storage.NewMemoryTier())
	require.NoError(t, err)
	m := txn.NewManager(s, txn.Config{WaitTimeout: 250 * time.Millisecond}, nil)
	t.Cleanup(func() {
		m.Close()
		s.Close()
	})
	return m, cdc.NewReader(s)
}

type mgrConn struct{ m *txn.Manager }

func (c mgrConn) BeginCommand() (cdc.ConsumerTxn, error) {
	tx, err := c.m.BeginCommand()
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func rk(primitive, rowNumber uint64) key.EncodedKey {
	return key.Row{Primitive: primitive, RowNumber: rowNumber}.Encode()
}

// TestChangeCodecRoundTrip tests the CDC payload codec
func TestChangeCodecRoundTrip(t *testing.T) {
	changes := []cdc.Change{
		{Op: cdc.OpInsert, Key: rk(1, 1), Post: schema.EncodedRow("post")},
		{Op: cdc.OpUpdate, Key: rk(1, 2), Pre: schema.EncodedRow("pre"), Post: schema.EncodedRow("post")},
		{Op: cdc.OpRemove, Key: rk(1, 3), Pre: schema.EncodedRow("pre")},
	}
	for _, c := range changes {
		decoded, err := cdc.DecodeChange(cdc.EncodeChange(c))
		require.NoError(t, err)
		assert.Equal(t, c, decoded)
	}
}

// TestChangeCodecRefusesGarbage tests decoder validation
func TestChangeCodecRefusesGarbage(t *testing.T) {
	_, err := cdc.DecodeChange(nil)
	assert.Error(t, err)

	_, err = cdc.DecodeChange([]byte{9, 1, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err, "unknown format version")

	_, err = cdc.DecodeChange([]byte{1, 99, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err, "unknown op")

	payload := cdc.EncodeChange(cdc.Change{Op: cdc.OpInsert, Key: rk(1, 1), Post: schema.EncodedRow("x")})
	_, err = cdc.DecodeChange(payload[:len(payload)-1])
	assert.Error(t, err)
}

// TestSequenceTracker tests contiguous per-version sequences
func TestSequenceTracker(t *testing.T) {
	tracker := cdc.NewSequenceTracker()

	assert.Equal(t, uint16(0), tracker.Next(1))
	assert.Equal(t, uint16(1), tracker.Next(1))
	assert.Equal(t, uint16(2), tracker.Next(1))

	assert.Equal(t, uint16(0), tracker.Next(2))
	assert.Equal(t, uint16(1), tracker.Next(2))

	assert.Equal(t, uint16(3), tracker.Next(1))
}

// TestSequenceTrackerEviction tests the LRU bound
func TestSequenceTrackerEviction(t *testing.T) {
	tracker := cdc.NewSequenceTrackerWithSize(3)

	tracker.Next(1)
	tracker.Next(2)
	tracker.Next(3)
	tracker.Next(4) // evicts version 1
	assert.Equal(t, 3, tracker.Tracked())

	// an evicted version restarts at zero; safe because committed
	// versions take no further sequences
	assert.Equal(t, uint16(0), tracker.Next(1))
}

// TestCdcCompleteness tests that a commit touching K keys yields exactly
// |K| entries at its version in deterministic sequence order
func TestCdcCompleteness(t *testing.T) {
	m, reader := newTestEngine(t)

	tx, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, tx.Set(rk(1, 1), schema.EncodedRow("a")))
	require.NoError(t, tx.Set(rk(1, 2), schema.EncodedRow("b")))
	require.NoError(t, tx.Set(rk(1, 1), schema.EncodedRow("a2"))) // coalesces
	v, err := tx.Commit()
	require.NoError(t, err)

	batch, err := reader.Range(v, v, nil, 0)
	require.NoError(t, err)
	require.Len(t, batch.Items, 2)
	assert.Equal(t, uint16(0), batch.Items[0].Sequence)
	assert.Equal(t, uint16(1), batch.Items[1].Sequence)
	assert.Equal(t, cdc.OpInsert, batch.Items[0].Change.Op)
	assert.Equal(t, schema.EncodedRow("a2"), batch.Items[0].Change.Post, "last write wins per key")
}

// TestCdcPrePostValues tests pre-image capture across commits
func TestCdcPrePostValues(t *testing.T) {
	m, reader := newTestEngine(t)

	tx, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, tx.Set(rk(1, 1), schema.EncodedRow("v1")))
	v1, err := tx.Commit()
	require.NoError(t, err)

	tx, err = m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, tx.Set(rk(1, 1), schema.EncodedRow("v2")))
	_, err = tx.Commit()
	require.NoError(t, err)

	tx, err = m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, tx.Remove(rk(1, 1)))
	v3, err := tx.Commit()
	require.NoError(t, err)

	batch, err := reader.Range(v1, v3, nil, 0)
	require.NoError(t, err)
	require.Len(t, batch.Items, 3)

	assert.Equal(t, cdc.OpInsert, batch.Items[0].Change.Op)
	assert.Nil(t, batch.Items[0].Change.Pre)

	assert.Equal(t, cdc.OpUpdate, batch.Items[1].Change.Op)
	assert.Equal(t, schema.EncodedRow("v1"), batch.Items[1].Change.Pre)
	assert.Equal(t, schema.EncodedRow("v2"), batch.Items[1].Change.Post)

	assert.Equal(t, cdc.OpRemove, batch.Items[2].Change.Op)
	assert.Equal(t, schema.EncodedRow("v2"), batch.Items[2].Change.Pre)
}

// TestCheckpointMissingMeansStart tests the "start at version 1" default
func TestCheckpointMissingMeansStart(t *testing.T) {
	m, _ := newTestEngine(t)
	tx, err := m.BeginCommand()
	require.NoError(t, err)
	cp, err := cdc.FetchCheckpoint(tx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp)
	require.NoError(t, tx.Rollback())
}

// TestConsumerExactlyOnce covers the S3 scenario: a consumer drains all
// entries, advances its checkpoint, and a restart delivers nothing new
func TestConsumerExactlyOnce(t *testing.T) {
	m, reader := newTestEngine(t)

	write := func(rowNumber uint64, value string, remove bool) {
		tx, err := m.BeginCommand()
		require.NoError(t, err)
		if remove {
			require.NoError(t, tx.Remove(rk(1, rowNumber)))
		} else {
			require.NoError(t, tx.Set(rk(1, rowNumber), schema.EncodedRow(value)))
		}
		_, err = tx.Commit()
		require.NoError(t, err)
	}
	write(1, "a", false)
	write(2, "b", false)
	write(1, "A", false)
	write(2, "", true)

	var delivered []cdc.Entry
	consume := func(txn cdc.ConsumerTxn, entries []cdc.Entry) error {
		delivered = append(delivered, entries...)
		return nil
	}

	conn := mgrConn{m: m}
	drain := func() {
		for {
			tx, err := conn.BeginCommand()
			require.NoError(t, err)
			cp, err := cdc.FetchCheckpoint(tx, "c1")
			require.NoError(t, err)
			batch, err := reader.Range(cp+1, 0, nil, 100)
			require.NoError(t, err)
			if len(batch.Items) == 0 {
				require.NoError(t, tx.Rollback())
				return
			}
			require.NoError(t, consume(tx, batch.Items))
			require.NoError(t, cdc.SaveCheckpoint(tx, "c1", batch.Items[len(batch.Items)-1].Version))
			_, err = tx.Commit()
			require.NoError(t, err)
		}
	}

	drain()
	require.Len(t, delivered, 4)
	// strict (version, sequence) order
	for i := 1; i < len(delivered); i++ {
		assert.Greater(t, delivered[i].Version, delivered[i-1].Version)
	}

	// a re-started consumer sees nothing new
	before := len(delivered)
	drain()
	assert.Equal(t, before, len(delivered))
}

// TestRetentionPreservesCutoffReads tests the retention law: dropping
// versions below v keeps reads at v identical
func TestRetentionPreservesCutoffReads(t *testing.T) {
	m, _ := newTestEngine(t)

	for i, v := range []string{"v1", "v2", "v3"} {
		tx, err := m.BeginCommand()
		require.NoError(t, err)
		require.NoError(t, tx.Set(rk(1, 1), schema.EncodedRow(v)))
		if i == 2 {
			require.NoError(t, tx.Set(rk(1, 2), schema.EncodedRow("other")))
		}
		_, err = tx.Commit()
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return m.Watermark() == 3 }, time.Second, time.Millisecond)

	s := m.Store()
	beforeBatch, err := s.Prefix(key.RowPrefix(1), 3, nil, 0)
	require.NoError(t, err)

	// retention keeps the newest version at or below the cutoff (2) and
	// erases history beneath it
	tx, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, tx.Drop(rk(1, 1), 1))
	_, err = tx.Commit()
	require.NoError(t, err)

	afterBatch, err := s.Prefix(key.RowPrefix(1), 3, nil, 0)
	require.NoError(t, err)
	require.Len(t, afterBatch.Entries, len(beforeBatch.Entries))
	for i := range beforeBatch.Entries {
		assert.Equal(t, beforeBatch.Entries[i].Row, afterBatch.Entries[i].Row)
	}

	versions, err := s.GetAllVersions(rk(1, 1))
	require.NoError(t, err)
	assert.Len(t, versions, 2, "version 1 dropped, 2 and 3 kept")
}

// TestRetentionReclaimsRemovedKeys tests that a key whose latest version is
// a tombstone is still swept: the dead chain and the tombstone itself go
func TestRetentionReclaimsRemovedKeys(t *testing.T) {
	m, _ := newTestEngine(t)

	write := func(rowNumber uint64, value string, remove bool) {
		tx, err := m.BeginCommand()
		require.NoError(t, err)
		if remove {
			require.NoError(t, tx.Remove(rk(1, rowNumber)))
		} else {
			require.NoError(t, tx.Set(rk(1, rowNumber), schema.EncodedRow(value)))
		}
		_, err = tx.Commit()
		require.NoError(t, err)
	}
	write(1, "v1", false)
	write(1, "", true) // tombstone at version 2
	write(2, "live", false)
	require.Eventually(t, func() bool { return m.Watermark() == 3 }, time.Second, time.Millisecond)

	r := cdc.NewRetention(m.Store(), mgrConn{m: m}, m.Watermark)
	require.NoError(t, r.CollectForTest(key.RowPrefix(1), 3))

	versions, err := m.Store().GetAllVersions(rk(1, 1))
	require.NoError(t, err)
	assert.Empty(t, versions, "dead chain and tombstone reclaimed")

	// the live key survives with its base snapshot
	_, ok, err := m.Store().Get(rk(1, 2), 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestRetentionPolicyRoundTrip tests policy storage
func TestRetentionPolicyRoundTrip(t *testing.T) {
	p := cdc.RetentionPolicy{MaxAge: time.Hour, MaxVersions: 100}
	row, err := cdc.EncodeRetentionPolicy(p)
	require.NoError(t, err)
	decoded, err := cdc.DecodeRetentionPolicy(row)
	require.NoError(t, err)
	assert.Equal(t, p, decoded)
}

// TestConsumerErrorKeepsCheckpoint tests that a failing consume leaves the
// checkpoint untouched
func TestConsumerErrorKeepsCheckpoint(t *testing.T) {
	m, reader := newTestEngine(t)

	tx, err := m.BeginCommand()
	require.NoError(t, err)
	require.NoError(t, tx.Set(rk(1, 1), schema.EncodedRow("x")))
	_, err = tx.Commit()
	require.NoError(t, err)

	failing := cdc.NewPollConsumer(cdc.PollConsumerConfig{ConsumerID: "fail", PollInterval: time.Millisecond}, mgrConn{m: m}, reader,
		func(txn cdc.ConsumerTxn, entries []cdc.Entry) error {
			return diag.Internal("TEST_001", "boom")
		})

	// run one batch by hand
	err = failing.ConsumeBatchForTest()
	require.Error(t, err)

	check, err := m.BeginCommand()
	require.NoError(t, err)
	cp, err := cdc.FetchCheckpoint(check, "fail")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cp)
	require.NoError(t, check.Rollback())
}
