package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/reifydb/reifydb/pkg/catalog"
	"github.com/reifydb/reifydb/pkg/cdc"
	"github.com/reifydb/reifydb/pkg/config"
	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/events"
	"github.com/reifydb/reifydb/pkg/flow"
	"github.com/reifydb/reifydb/pkg/log"
	"github.com/reifydb/reifydb/pkg/stats"
	"github.com/reifydb/reifydb/pkg/storage"
	"github.com/reifydb/reifydb/pkg/store"
	"github.com/reifydb/reifydb/pkg/txn"
)

// Engine assembles the transactional core: tiered store, transaction
// manager, CDC, flow coordinator and retention. Lifecycle is Open, Start,
// Stop.
type Engine struct {
	cfg    config.Config
	store  *store.Store
	mgr    *txn.Manager
	reader *cdc.Reader
	broker *events.Broker

	registry    *flow.Registry
	coordinator *flow.Coordinator
	retention   *cdc.Retention
	stats       *stats.Collector

	cancel context.CancelFunc
	logger zerolog.Logger
}

// conn adapts the transaction manager to the CDC consumer boundary.
type conn struct {
	mgr *txn.Manager
}

func (c conn) BeginCommand() (cdc.ConsumerTxn, error) {
	t, err := c.mgr.BeginCommand()
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Open builds an engine from configuration without starting background
// work.
func Open(cfg config.Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var tiers []storage.Tier
	for _, name := range cfg.Store.Tiers {
		switch name {
		case "memory":
			tiers = append(tiers, storage.NewMemoryTier())
		case "sqlite":
			t, err := storage.NewSqliteTier(filepath.Join(cfg.DataDir, "warm.db"))
			if err != nil {
				return nil, err
			}
			tiers = append(tiers, t)
		case "bolt":
			t, err := storage.NewBoltTier(filepath.Join(cfg.DataDir, "cold.db"))
			if err != nil {
				return nil, err
			}
			tiers = append(tiers, t)
		default:
			return nil, diag.Invalid("ENG_001", "unknown storage tier %q", name)
		}
	}

	storeCfg := store.DefaultConfig()
	if cfg.Store.HotRetention > 0 {
		storeCfg.HotRetention = cfg.Store.HotRetention
	}
	if cfg.Store.HotSizeBudget > 0 {
		storeCfg.HotSizeBudget = cfg.Store.HotSizeBudget
	}
	if cfg.Store.WarmSizeBudget > 0 {
		storeCfg.WarmSizeBudget = cfg.Store.WarmSizeBudget
	}
	if cfg.Store.EvictInterval > 0 {
		storeCfg.EvictInterval = cfg.Store.EvictInterval
	}
	s, err := store.New(storeCfg, tiers...)
	if err != nil {
		return nil, err
	}

	txnCfg := txn.DefaultConfig()
	switch cfg.Txn.Mode {
	case "", "optimistic":
		txnCfg.Mode = txn.ModeOptimistic
	case "serializable":
		txnCfg.Mode = txn.ModeSerializable
	default:
		return nil, diag.Invalid("ENG_002", "unknown transaction mode %q", cfg.Txn.Mode)
	}
	if cfg.Txn.WaitTimeout > 0 {
		txnCfg.WaitTimeout = cfg.Txn.WaitTimeout
	}

	broker := events.NewBroker()
	mgr := txn.NewManager(s, txnCfg, broker)
	reader := cdc.NewReader(s)
	registry := flow.NewRegistry()

	flowCfg := flow.DefaultConfig()
	if cfg.Cdc.PollInterval > 0 {
		flowCfg.PollInterval = cfg.Cdc.PollInterval
	}
	if cfg.Cdc.BatchSize > 0 {
		flowCfg.BatchSize = cfg.Cdc.BatchSize
	}
	coordinator := flow.NewCoordinator(mgr, reader, registry, conn{mgr: mgr}, broker, flowCfg)
	retention := cdc.NewRetention(s, conn{mgr: mgr}, mgr.Watermark)
	collector := stats.NewCollector(mgr, broker)

	return &Engine{
		cfg:         cfg,
		store:       s,
		mgr:         mgr,
		reader:      reader,
		broker:      broker,
		registry:    registry,
		coordinator: coordinator,
		retention:   retention,
		stats:       collector,
		logger:      log.WithComponent("engine"),
	}, nil
}

// Start launches background work: tier eviction, statistics refresh, the
// flow coordinator and retention GC.
func (e *Engine) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.store.Start()
	e.stats.Start()
	if err := e.coordinator.Start(ctx); err != nil {
		cancel()
		return err
	}
	if e.cfg.Retention.Schedule != "" {
		if err := e.retention.Start(e.cfg.Retention.Schedule); err != nil {
			cancel()
			return err
		}
	}
	e.logger.Info().Msg("Engine started")
	return nil
}

// Stop shuts everything down, waiting up to timeout for workers to drain.
// In-flight transactions fail; no partial writes persist.
func (e *Engine) Stop(timeout time.Duration) error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.cfg.Retention.Schedule != "" {
		e.retention.Stop()
	}
	e.coordinator.Stop(timeout)
	e.stats.Stop()
	e.mgr.Close()
	e.broker.Close()
	if err := e.store.Close(); err != nil {
		return err
	}
	e.logger.Info().Msg("Engine stopped")
	return nil
}

// BeginQuery starts a read-only transaction at the watermark.
func (e *Engine) BeginQuery() *txn.QueryTxn {
	return e.mgr.BeginQuery()
}

// BeginQueryAt starts a read-only transaction at an explicit version.
func (e *Engine) BeginQueryAt(ctx context.Context, version uint64) (*txn.QueryTxn, error) {
	return e.mgr.BeginQueryAt(ctx, version)
}

// BeginCommand starts a read-write transaction.
func (e *Engine) BeginCommand() (*txn.CommandTxn, error) {
	return e.mgr.BeginCommand()
}

// BeginAdmin starts a catalog-capable read-write transaction.
func (e *Engine) BeginAdmin() (*txn.CommandTxn, error) {
	return e.mgr.BeginAdmin()
}

// Watermark returns the highest version visible to "latest" readers.
func (e *Engine) Watermark() uint64 {
	return e.mgr.Watermark()
}

// Registry exposes the flow expression registry.
func (e *Engine) Registry() *flow.Registry {
	return e.registry
}

// Events exposes the engine event broker.
func (e *Engine) Events() *events.Broker {
	return e.broker
}

// Store exposes the tiered multi-version store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Manager exposes the transaction manager.
func (e *Engine) Manager() *txn.Manager {
	return e.mgr
}

// Stats exposes the column statistics collector.
func (e *Engine) Stats() *stats.Collector {
	return e.stats
}

// CdcReader exposes the CDC range reader.
func (e *Engine) CdcReader() *cdc.Reader {
	return e.reader
}

// CreateFlow stores a flow definition in one admin commit. The commit's CDC
// event is what makes the coordinator spawn the worker.
func (e *Engine) CreateFlow(def catalog.FlowDef) (uint64, error) {
	tx, err := e.BeginAdmin()
	if err != nil {
		return 0, err
	}
	id, err := catalog.CreateFlow(tx, def)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if _, err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// DropFlow removes a flow definition in one admin commit; the coordinator
// stops the worker and erases its operator state when it sees the removal.
func (e *Engine) DropFlow(id uint64) error {
	tx, err := e.BeginAdmin()
	if err != nil {
		return err
	}
	if err := catalog.DropFlow(tx, id); err != nil {
		tx.Rollback()
		return err
	}
	_, err = tx.Commit()
	return err
}
