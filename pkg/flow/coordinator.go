package flow

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reifydb/reifydb/pkg/catalog"
	"github.com/reifydb/reifydb/pkg/cdc"
	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/events"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/log"
	"github.com/reifydb/reifydb/pkg/metrics"
	"github.com/reifydb/reifydb/pkg/schema"
	"github.com/reifydb/reifydb/pkg/txn"
)

// CoordinatorConsumerID is the coordinator's durable CDC consumer identity.
const CoordinatorConsumerID = "flow-coordinator"

// PrimitiveTracker records the latest committed version per primitive,
// feeding worker snapshot selection.
type PrimitiveTracker struct {
	mu sync.RWMutex
	m  map[uint64]uint64
}

// NewPrimitiveTracker creates an empty tracker.
func NewPrimitiveTracker() *PrimitiveTracker {
	return &PrimitiveTracker{m: make(map[uint64]uint64)}
}

// Update records a version for a primitive, keeping the maximum.
func (t *PrimitiveTracker) Update(primitive, version uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if version > t.m[primitive] {
		t.m[primitive] = version
	}
}

// Latest returns the last recorded version of a primitive.
func (t *PrimitiveTracker) Latest(primitive uint64) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m[primitive]
}

// Config holds coordinator settings.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// WorkerQueueDepth bounds each worker's channel; a full channel
	// blocks the coordinator rather than dropping events.
	WorkerQueueDepth int
}

// DefaultConfig returns the reference coordinator settings.
func DefaultConfig() Config {
	return Config{
		PollInterval:     5 * time.Millisecond,
		BatchSize:        256,
		WorkerQueueDepth: 16,
	}
}

// Coordinator is the single CDC consumer that discovers flow definitions as
// they are created, spawns per-flow workers and partitions CDC batches
// across them. Its checkpoint advances in the same transaction that carries
// the workers' writes, so a crash cannot lose flow creations or deliver a
// batch twice.
type Coordinator struct {
	mgr     *txn.Manager
	reader  *cdc.Reader
	reg     *Registry
	conn    cdc.Conn
	broker  *events.Broker
	cfg     Config
	tracker *PrimitiveTracker

	mu      sync.Mutex
	workers map[uint64]*Worker

	consumer *cdc.PollConsumer
	logger   zerolog.Logger
}

// NewCoordinator creates a stopped coordinator. broker may be nil.
func NewCoordinator(mgr *txn.Manager, reader *cdc.Reader, reg *Registry, conn cdc.Conn, broker *events.Broker, cfg Config) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		mgr:     mgr,
		reader:  reader,
		reg:     reg,
		conn:    conn,
		broker:  broker,
		cfg:     cfg,
		tracker: NewPrimitiveTracker(),
		workers: make(map[uint64]*Worker),
		logger:  log.WithComponent("coordinator"),
	}
}

// Tracker exposes the primitive version tracker.
func (c *Coordinator) Tracker() *PrimitiveTracker { return c.tracker }

// Start registers workers for existing flows and begins polling the CDC
// log.
func (c *Coordinator) Start(ctx context.Context) error {
	q := c.mgr.BeginQuery()
	flows, err := catalog.ListFlows(q)
	if err != nil {
		return err
	}
	for _, def := range flows {
		if err := c.spawn(def); err != nil {
			return err
		}
	}

	c.consumer = cdc.NewPollConsumer(cdc.PollConsumerConfig{
		ConsumerID:   CoordinatorConsumerID,
		PollInterval: c.cfg.PollInterval,
		BatchSize:    c.cfg.BatchSize,
	}, c.conn, c.reader, c.consume)
	c.consumer.Start(ctx)
	c.logger.Info().Int("flows", len(flows)).Msg("Flow coordinator started")
	return nil
}

// Stop halts polling, then stops every worker, waiting up to timeout.
func (c *Coordinator) Stop(timeout time.Duration) {
	if c.consumer != nil {
		c.consumer.Stop()
	}
	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		workers := make([]*Worker, 0, len(c.workers))
		for _, w := range c.workers {
			workers = append(workers, w)
		}
		c.mu.Unlock()
		for _, w := range workers {
			w.Stop()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn().Msg("Worker shutdown timed out")
	}
	c.logger.Info().Msg("Flow coordinator stopped")
}

func (c *Coordinator) spawn(def catalog.FlowDef) error {
	c.mu.Lock()
	_, exists := c.workers[def.ID]
	c.mu.Unlock()
	if exists {
		// already registered at startup; the CDC backlog replays the
		// creation
		return nil
	}
	q := c.mgr.BeginQuery()
	graph, err := Build(def, c.reg, q)
	if err != nil {
		return err
	}
	w := NewWorker(graph, c.mgr, c.cfg.WorkerQueueDepth)
	c.mu.Lock()
	c.workers[def.ID] = w
	c.mu.Unlock()
	metrics.FlowsActive.Inc()
	if c.broker != nil {
		c.broker.Publish(&events.Event{Type: events.EventWorkerStarted, FlowID: def.ID})
	}
	c.logger.Info().Uint64("flow_id", def.ID).Str("flow", def.Name).Msg("Flow worker spawned")
	return nil
}

func (c *Coordinator) dropWorker(flowID uint64, cmd *txn.CommandTxn) error {
	c.mu.Lock()
	w, ok := c.workers[flowID]
	delete(c.workers, flowID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	w.Stop()
	if err := w.Graph().Close(cmd); err != nil {
		return err
	}
	metrics.FlowsActive.Dec()
	if c.broker != nil {
		c.broker.Publish(&events.Event{Type: events.EventWorkerStopped, FlowID: flowID})
	}
	c.logger.Info().Uint64("flow_id", flowID).Msg("Flow worker dropped")
	return nil
}

// consume reacts to one ordered CDC batch: row mutations fan out to the
// flows reading the touched primitives, and flow catalog inserts spawn new
// workers before the checkpoint moves.
func (c *Coordinator) consume(consumerTxn cdc.ConsumerTxn, entries []cdc.Entry) error {
	cmd, ok := consumerTxn.(*txn.CommandTxn)
	if !ok {
		return diag.Internal("FLW_070", "coordinator needs a command transaction")
	}

	type pendingInstruction struct {
		changes   map[uint64]Change
		toVersion uint64
	}
	perFlow := make(map[uint64]*pendingInstruction)
	var flowOrder []uint64

	for _, e := range entries {
		kind, err := key.KindOf(e.Change.Key)
		if err != nil {
			return err
		}
		switch kind {
		case key.KindRow:
			decoded, err := key.Decode(e.Change.Key)
			if err != nil {
				return err
			}
			rowKey := decoded.(key.Row)
			c.tracker.Update(rowKey.Primitive, e.Version)

			c.mu.Lock()
			workers := make([]*Worker, 0, len(c.workers))
			for _, w := range c.workers {
				workers = append(workers, w)
			}
			c.mu.Unlock()

			for _, w := range workers {
				sources := w.Graph().Sources[rowKey.Primitive]
				if len(sources) == 0 {
					continue
				}
				inst := perFlow[w.flowID]
				if inst == nil {
					inst = &pendingInstruction{changes: make(map[uint64]Change)}
					perFlow[w.flowID] = inst
					flowOrder = append(flowOrder, w.flowID)
				}
				if e.Version > inst.toVersion {
					inst.toVersion = e.Version
				}
				for _, sourceNode := range sources {
					diff, err := decodeDiff(w.Graph().SourceLayouts[sourceNode], e.Change, rowKey.RowNumber)
					if err != nil {
						return err
					}
					ch := inst.changes[sourceNode]
					ch.Diffs = append(ch.Diffs, diff)
					inst.changes[sourceNode] = ch
				}
			}

		case key.KindCatalogObject:
			decoded, err := key.Decode(e.Change.Key)
			if err != nil {
				return err
			}
			catKey := decoded.(key.CatalogObject)
			if catKey.ObjectKind != catalog.ObjectFlow {
				continue
			}
			switch e.Change.Op {
			case cdc.OpInsert:
				def, err := catalog.DecodeFlow(e.Change.Post)
				if err != nil {
					return err
				}
				if err := c.spawn(def); err != nil {
					return err
				}
				if c.broker != nil {
					c.broker.Publish(&events.Event{Type: events.EventFlowCreated, FlowID: def.ID, Version: e.Version})
				}
			case cdc.OpRemove:
				if err := c.dropWorker(catKey.ID, cmd); err != nil {
					return err
				}
				if c.broker != nil {
					c.broker.Publish(&events.Event{Type: events.EventFlowDropped, FlowID: catKey.ID, Version: e.Version})
				}
			}
		}
	}

	stateVersion := c.mgr.Watermark()
	for _, flowID := range flowOrder {
		c.mu.Lock()
		w := c.workers[flowID]
		c.mu.Unlock()
		if w == nil {
			continue
		}
		inst := perFlow[flowID]
		batch := WorkerBatch{
			Instructions: []Instruction{{
				FlowID:    flowID,
				Changes:   inst.changes,
				ToVersion: inst.toVersion,
			}},
			StateVersion: stateVersion,
		}
		if err := w.Process(batch, cmd); err != nil {
			return err
		}
	}

	if len(entries) > 0 {
		metrics.CdcConsumerLag.WithLabelValues(CoordinatorConsumerID).
			Set(float64(c.mgr.Watermark() - entries[len(entries)-1].Version))
	}
	return nil
}

// decodeDiff turns one captured mutation into a flow diff.
func decodeDiff(layout *schema.Layout, change cdc.Change, rowNumber uint64) (Diff, error) {
	d := Diff{Op: change.Op, RowNumber: rowNumber}
	if change.Pre != nil {
		values, err := layout.Decode(change.Pre)
		if err != nil {
			return Diff{}, err
		}
		d.Pre = values
	}
	if change.Post != nil {
		values, err := layout.Decode(change.Post)
		if err != nil {
			return Diff{}, err
		}
		d.Post = values
	}
	return d, nil
}
