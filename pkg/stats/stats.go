package stats

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/reifydb/reifydb/pkg/events"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/log"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/storage"
	"github.com/reifydb/reifydb/pkg/txn"
)

// ColumnStats summarises one column of a primitive for analytic scans.
type ColumnStats struct {
	Name      string
	Count     int64
	NullCount int64
	// Min and Max are undefined until a defined value was seen.
	Min schema.Value
	Max schema.Value
}

// TableStats is the per-column summary of one primitive at a version.
type TableStats struct {
	Primitive uint64
	Version   uint64
	Rows      int64
	Columns   []ColumnStats
}

// Collector maintains per-column statistics, refreshed asynchronously from
// commit events. Stats trail the row store; readers get the last completed
// snapshot.
type Collector struct {
	mgr *txn.Manager

	mu      sync.RWMutex
	layouts map[uint64]*schema.Layout
	names   map[uint64][]string
	cache   map[uint64]TableStats
	dirty   map[uint64]bool

	sub    *events.Subscription
	broker *events.Broker
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewCollector creates a stopped collector.
func NewCollector(mgr *txn.Manager, broker *events.Broker) *Collector {
	return &Collector{
		mgr:     mgr,
		broker:  broker,
		layouts: make(map[uint64]*schema.Layout),
		names:   make(map[uint64][]string),
		cache:   make(map[uint64]TableStats),
		dirty:   make(map[uint64]bool),
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("stats"),
	}
}

// Track registers a primitive for statistics maintenance.
func (c *Collector) Track(primitive uint64, layout *schema.Layout, columnNames []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layouts[primitive] = layout
	c.names[primitive] = columnNames
	c.dirty[primitive] = true
}

// Start subscribes to commit events and refreshes dirty primitives in the
// background.
func (c *Collector) Start() {
	c.sub = c.broker.Subscribe(events.EventCommitApplied)
	c.wg.Add(1)
	go c.run()
}

// Stop halts the refresh loop.
func (c *Collector) Stop() {
	if c.sub == nil {
		return
	}
	close(c.stopCh)
	c.wg.Wait()
	c.broker.Unsubscribe(c.sub)
}

func (c *Collector) run() {
	defer c.wg.Done()
	for {
		select {
		case _, ok := <-c.sub.C():
			if !ok {
				return
			}
			c.mu.Lock()
			for primitive := range c.layouts {
				c.dirty[primitive] = true
			}
			c.mu.Unlock()
			c.refreshDirty()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) refreshDirty() {
	c.mu.Lock()
	var todo []uint64
	for primitive, d := range c.dirty {
		if d {
			todo = append(todo, primitive)
			c.dirty[primitive] = false
		}
	}
	c.mu.Unlock()
	for _, primitive := range todo {
		if err := c.Refresh(primitive); err != nil {
			c.logger.Error().Err(err).Uint64("primitive", primitive).Msg("Stats refresh failed")
		}
	}
}

// Refresh recomputes a primitive's statistics at the current watermark.
func (c *Collector) Refresh(primitive uint64) error {
	c.mu.RLock()
	layout := c.layouts[primitive]
	names := c.names[primitive]
	c.mu.RUnlock()
	if layout == nil {
		return nil
	}

	q := c.mgr.BeginQuery()
	cols := make([]ColumnStats, len(layout.Fields))
	for i := range cols {
		name := layout.Fields[i].Name
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		cols[i] = ColumnStats{Name: name, Min: schema.Undefined(), Max: schema.Undefined()}
	}

	rows := int64(0)
	prefix := key.RowPrefix(primitive)
	var cursor storage.Cursor
	for {
		batch, err := q.Prefix(prefix, cursor, 512)
		if err != nil {
			return err
		}
		for _, item := range batch.Items {
			values, err := layout.Decode(item.Row)
			if err != nil {
				return err
			}
			rows++
			for i, v := range values {
				cols[i].Count++
				if v.IsUndefined() {
					cols[i].NullCount++
					continue
				}
				if cols[i].Min.IsUndefined() || lessValue(v, cols[i].Min) {
					cols[i].Min = v
				}
				if cols[i].Max.IsUndefined() || lessValue(cols[i].Max, v) {
					cols[i].Max = v
				}
			}
		}
		if !batch.HasMore {
			break
		}
		cursor = batch.Cursor
	}

	c.mu.Lock()
	c.cache[primitive] = TableStats{
		Primitive: primitive,
		Version:   q.Version(),
		Rows:      rows,
		Columns:   cols,
	}
	c.mu.Unlock()
	return nil
}

// Stats returns the last completed snapshot for a primitive.
func (c *Collector) Stats(primitive uint64) (TableStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.cache[primitive]
	return s, ok
}

// lessValue orders two defined values of the same type.
func lessValue(a, b schema.Value) bool {
	switch a.Kind {
	case schema.TypeInt1, schema.TypeInt2, schema.TypeInt4, schema.TypeInt8:
		return a.Int < b.Int
	case schema.TypeUint1, schema.TypeUint2, schema.TypeUint4, schema.TypeUint8:
		return a.Uint < b.Uint
	case schema.TypeFloat4, schema.TypeFloat8:
		return a.Float < b.Float
	case schema.TypeUtf8, schema.TypeBigDec:
		return a.Str < b.Str
	case schema.TypeDate, schema.TypeTime, schema.TypeDateTime:
		return a.Time.Before(b.Time)
	case schema.TypeInterval:
		return a.Dur < b.Dur
	case schema.TypeInt16, schema.TypeUint16, schema.TypeBigInt:
		if a.Big == nil || b.Big == nil {
			return false
		}
		return a.Big.Cmp(b.Big) < 0
	default:
		return false
	}
}
