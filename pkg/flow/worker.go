package flow

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/log"
	"github.com/reifydb/reifydb/pkg/metrics"
	"github.com/reifydb/reifydb/pkg/txn"
)

// Instruction is one flow's slice of a CDC batch.
type Instruction struct {
	FlowID uint64
	// Changes carries the decoded diffs per source node.
	Changes map[uint64]Change
	// ToVersion is the highest commit version covered by the batch; the
	// worker pins its row-pull snapshot there.
	ToVersion uint64
}

// WorkerBatch is the unit of work handed to a flow worker.
type WorkerBatch struct {
	Instructions []Instruction
	// StateVersion is the operator-state snapshot version.
	StateVersion uint64
}

type workRequest struct {
	batch WorkerBatch
	cmd   *txn.CommandTxn
	resp  chan error
}

// Worker executes one flow's operator graph on its own goroutine. Per-flow
// processing is single-threaded, preserving determinism; the incoming
// channel is bounded, so a saturated worker back-pressures the coordinator
// instead of dropping events.
type Worker struct {
	flowID uint64
	graph  *Graph
	mgr    *txn.Manager

	ch     chan workRequest
	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewWorker creates and starts a worker.
func NewWorker(graph *Graph, mgr *txn.Manager, queueDepth int) *Worker {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	w := &Worker{
		flowID: graph.Def.ID,
		graph:  graph,
		mgr:    mgr,
		ch:     make(chan workRequest, queueDepth),
		stopCh: make(chan struct{}),
		logger: log.WithFlowID(graph.Def.ID),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Graph exposes the compiled graph.
func (w *Worker) Graph() *Graph { return w.graph }

// Process hands a batch and the enclosing consumer transaction to the
// worker and blocks for the outcome. Pending writes accumulate in cmd; the
// caller commits them together with the consumer checkpoint. On error the
// caller rolls back and retries the batch with the same inputs.
func (w *Worker) Process(batch WorkerBatch, cmd *txn.CommandTxn) error {
	req := workRequest{batch: batch, cmd: cmd, resp: make(chan error, 1)}
	select {
	case w.ch <- req:
	case <-w.stopCh:
		return diag.Cancelled("FLW_060", "flow %d worker stopped", w.flowID)
	}
	select {
	case err := <-req.resp:
		return err
	case <-w.stopCh:
		return diag.Cancelled("FLW_060", "flow %d worker stopped", w.flowID)
	}
}

// Stop signals the worker and waits for it to drain.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case req := <-w.ch:
			err := w.process(req.batch, req.cmd)
			if err != nil {
				metrics.WorkerBatches.WithLabelValues("error").Inc()
				w.logger.Error().Err(err).Msg("Worker batch failed")
			} else {
				metrics.WorkerBatches.WithLabelValues("ok").Inc()
			}
			req.resp <- err
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) process(batch WorkerBatch, cmd *txn.CommandTxn) error {
	for _, inst := range batch.Instructions {
		if inst.FlowID != w.flowID {
			continue
		}
		rows, err := w.mgr.BeginQueryAt(context.Background(), inst.ToVersion)
		if err != nil {
			return err
		}
		tx := &OpTxn{Cmd: cmd, Rows: rows}
		if err := w.graph.Process(tx, inst.Changes); err != nil {
			return err
		}
	}
	return nil
}
