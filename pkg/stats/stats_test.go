package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reifydb/reifydb/pkg/events"
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

// TestRefresh tests a statistics pass over materialised rows
func TestRefresh(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.EvictInterval = 0
	s, err := store.New(cfg, storage.NewMemoryTier())
	require.NoError(t, err)
	m := txn.NewManager(s, txn.Config{WaitTimeout: 250 * time.Millisecond}, nil)
	t.Cleanup(func() {
		m.Close()
		s.Close()
	})

	layout := schema.NewLayout(
		schema.Field{Name: "v", Type: schema.TypeInt8},
		schema.Field{Name: "s", Type: schema.TypeUtf8},
	)

	tx, err := m.BeginCommand()
	require.NoError(t, err)
	for i, v := range []int64{5, -2, 9} {
		var sv schema.Value
		if i == 1 {
			sv = schema.Undefined()
		} else {
			sv = schema.NewUtf8("x")
		}
		row, err := layout.Encode([]schema.Value{schema.NewInt8(v), sv})
		require.NoError(t, err)
		require.NoError(t, tx.Set(key.Row{Primitive: 1, RowNumber: uint64(i + 1)}.Encode(), row))
	}
	_, err = tx.Commit()
	require.NoError(t, err)

	c := NewCollector(m, events.NewBroker())
	c.Track(1, layout, []string{"v", "s"})
	require.NoError(t, c.Refresh(1))

	stats, ok := c.Stats(1)
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.Rows)
	assert.Equal(t, int64(-2), stats.Columns[0].Min.Int)
	assert.Equal(t, int64(9), stats.Columns[0].Max.Int)
	assert.Equal(t, int64(0), stats.Columns[0].NullCount)
	assert.Equal(t, int64(1), stats.Columns[1].NullCount)
}
