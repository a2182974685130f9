package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"WindowLedger/internal/engine"
	"WindowLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Worker drains the persist channel and batch-writes ledger rows and window
// results to Postgres. The engine uses BLOCKING sends into the channel, so a
// worker that falls behind stalls settlement instead of losing rows.
type Worker struct {
	writer       *LedgerWriter
	inputChan    <-chan engine.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan engine.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewLedgerWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          logger,
	}
}

// Run starts the worker loop. It batches incoming outputs and flushes when
// the batch is full or the flush timeout expires. Blocks until ctx is
// cancelled; the final batch is flushed on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	rowBatch := make([]RowRecord, 0, w.batchSize*4)
	resultBatch := make([]ResultRecord, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(rowBatch) > 0 || len(resultBatch) > 0 {
				if err := w.flush(context.Background(), rowBatch, resultBatch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case out, ok := <-w.inputChan:
			if !ok {
				if len(rowBatch) > 0 || len(resultBatch) > 0 {
					if err := w.flush(context.Background(), rowBatch, resultBatch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			if out.IsFunding() {
				for _, r := range out.FundingRows {
					rowBatch = append(rowBatch, RecordFromRow(r))
				}
			} else {
				for _, r := range out.Result.Rows {
					rowBatch = append(rowBatch, RecordFromRow(r))
				}
				resultBatch = append(resultBatch, RecordFromResult(out.Result))
			}

			if len(resultBatch) >= w.batchSize || len(rowBatch) >= w.batchSize*4 {
				if err := w.flushWithRetry(ctx, rowBatch, resultBatch); err != nil {
					w.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				rowBatch = rowBatch[:0]
				resultBatch = resultBatch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(rowBatch) > 0 || len(resultBatch) > 0 {
				if err := w.flushWithRetry(ctx, rowBatch, resultBatch); err != nil {
					w.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				rowBatch = rowBatch[:0]
				resultBatch = resultBatch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries failed flushes with exponential backoff. The worker
// never drops a batch: it retries until the write succeeds or shutdown, and
// on shutdown makes one final attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, rows []RowRecord, results []ResultRecord) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("rows", len(rows)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if finalErr := w.flush(context.Background(), rows, results); finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, rows, results)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, rows []RowRecord, results []ResultRecord) error {
	start := time.Now()

	// Rows and their result commit atomically: a result is never visible
	// without the rows that justify it.
	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteRowBatch(ctx, tx, rows); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_rows").Inc()
		}
		return err
	}

	if err := w.writer.WriteResultBatch(ctx, tx, results); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_results").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(results)))
		w.metrics.PersistRowsWritten.Add(float64(len(rows)))
		w.metrics.PersistOutputsWritten.Add(float64(len(results)))
	}

	return nil
}
