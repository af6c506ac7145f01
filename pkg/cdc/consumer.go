package cdc

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reifydb/reifydb/pkg/diag"
	"github.com/reifydb/reifydb/pkg/key"
	"github.com/reifydb/reifydb/pkg/log"
	"github.com/reifydb/reifydb/pkg/metrics"
	"github.com/reifydb/reifydb/pkg/schema"
)

// ConsumerTxn is the slice of the command transaction API consumers use.
// Checkpoint updates and downstream writes share the transaction, so a batch
// is processed exactly once per checkpoint window.
type ConsumerTxn interface {
	Get(k key.EncodedKey) (schema.EncodedRow, bool, error)
	Set(k key.EncodedKey, row schema.EncodedRow) error
	Remove(k key.EncodedKey) error
	Drop(k key.EncodedKey, upToVersion uint64) error
	Commit() (uint64, error)
	Rollback() error
}

// Conn opens consumer transactions. The transaction manager satisfies it
// through a thin adapter in the engine.
type Conn interface {
	BeginCommand() (ConsumerTxn, error)
}

// Consume is the per-batch callback. Implementations perform their
// downstream writes through txn; the poll loop advances the checkpoint and
// commits.
type Consume func(txn ConsumerTxn, entries []Entry) error

// FetchCheckpoint reads a consumer's last processed version; missing means
// zero (start at version 1).
func FetchCheckpoint(txn ConsumerTxn, consumerID string) (uint64, error) {
	row, ok, err := txn.Get(key.Consumer{ConsumerID: consumerID}.Encode())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if len(row) != 8 {
		return 0, diag.Invalid("CDC_020", "consumer %q checkpoint malformed", consumerID)
	}
	return binary.BigEndian.Uint64(row), nil
}

// SaveCheckpoint writes a consumer's last processed version.
func SaveCheckpoint(txn ConsumerTxn, consumerID string, version uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	return txn.Set(key.Consumer{ConsumerID: consumerID}.Encode(), schema.EncodedRow(buf))
}

// PollConsumerConfig configures a durable poll consumer.
type PollConsumerConfig struct {
	ConsumerID   string
	PollInterval time.Duration
	BatchSize    int
}

// PollConsumer drives a Consume callback from the CDC log on its own
// goroutine, delivering entries in strict (version, sequence) order.
type PollConsumer struct {
	cfg     PollConsumerConfig
	conn    Conn
	reader  *Reader
	consume Consume

	logger zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPollConsumer creates a stopped consumer.
func NewPollConsumer(cfg PollConsumerConfig, conn Conn, reader *Reader, consume Consume) *PollConsumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	return &PollConsumer{
		cfg:     cfg,
		conn:    conn,
		reader:  reader,
		consume: consume,
		logger:  log.WithConsumerID(cfg.ConsumerID),
	}
}

// Start launches the poll loop.
func (p *PollConsumer) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop cancels the loop and waits for it to drain.
func (p *PollConsumer) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *PollConsumer) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.consumeBatch(); err != nil {
				if diag.IsRetryable(err) {
					continue
				}
				p.logger.Error().Err(err).Msg("CDC consume failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// consumeBatch processes at most one batch. The checkpoint read, the
// callback's writes and the checkpoint advance share one transaction.
func (p *PollConsumer) consumeBatch() error {
	txn, err := p.conn.BeginCommand()
	if err != nil {
		return err
	}
	checkpoint, err := FetchCheckpoint(txn, p.cfg.ConsumerID)
	if err != nil {
		txn.Rollback()
		return err
	}

	batch, err := p.reader.Range(checkpoint+1, 0, nil, p.cfg.BatchSize)
	if err != nil {
		txn.Rollback()
		return err
	}
	if len(batch.Items) == 0 {
		txn.Rollback()
		return nil
	}
	// never split a version across checkpoint windows
	items := trimPartialVersion(batch)
	if len(items) == 0 {
		// the batch ended inside a single oversized version; pull the
		// remainder of that version before delivering
		version := batch.Items[0].Version
		items = batch.Items
		cursor := batch.Cursor
		for batch.HasMore {
			batch, err = p.reader.Range(version, version, cursor, p.cfg.BatchSize)
			if err != nil {
				txn.Rollback()
				return err
			}
			items = append(items, batch.Items...)
			cursor = batch.Cursor
		}
	}

	if err := p.consume(txn, items); err != nil {
		txn.Rollback()
		return err
	}
	last := items[len(items)-1].Version
	if err := SaveCheckpoint(txn, p.cfg.ConsumerID, last); err != nil {
		txn.Rollback()
		return err
	}
	if _, err := txn.Commit(); err != nil {
		return err
	}
	metrics.CdcBatchesConsumed.WithLabelValues(p.cfg.ConsumerID).Inc()
	return nil
}

// trimPartialVersion drops trailing entries of a version that continues past
// the batch boundary, so a checkpoint never lands mid-version.
func trimPartialVersion(batch Batch) []Entry {
	items := batch.Items
	if !batch.HasMore || len(items) == 0 {
		return items
	}
	last := items[len(items)-1].Version
	cut := len(items)
	for cut > 0 && items[cut-1].Version == last {
		cut--
	}
	return items[:cut]
}
