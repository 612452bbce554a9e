package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// It runs apart from the single-threaded core. The core's send is blocking,
// so a worker that falls behind stalls the core and no record is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *LogWriter
	inputChan    <-chan core.Output
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.Output,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	rows := make([]InstructionRow, 0, pw.batchSize)
	journals := make([]JournalRow, 0, pw.batchSize*3)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(rows) > 0 {
				if err := pw.flush(context.Background(), rows, journals); err != nil {
					pw.logger.Error().Err(err).Int("records", len(rows)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(rows) > 0 {
					if err := pw.flush(context.Background(), rows, journals); err != nil {
						pw.logger.Error().Err(err).Int("records", len(rows)).Msg("final flush failed")
						return err
					}
				}
				return nil
			}

			row, js, err := RowsFromOutput(output)
			if err != nil {
				// an unencodable record is a core bug; keep the journal and hash chain intact
				pw.logger.Error().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("encode record")
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
				}
				row.Sequence = output.Envelope.Sequence
				row.Instruction = output.Envelope.Instruction
				row.RecordType = output.Envelope.RecordType.String()
				row.Payload = []byte("null")
			}
			rows = append(rows, row)
			journals = append(journals, js...)

			if len(rows) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, rows, journals); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				rows = rows[:0]
				journals = journals[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(rows) > 0 {
				if err := pw.flushWithRetry(ctx, rows, journals); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				rows = rows[:0]
				journals = journals[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled, then makes one final attempt.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, rows []InstructionRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("records", len(rows)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), rows, journals); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
		}

		err := pw.flush(ctx, rows, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes instructions, journals and the balance projection in a single
// transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, rows []InstructionRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.recordError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteInstructionBatch(ctx, rows, tx); err != nil {
		pw.recordError("write_instructions")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, journals, tx); err != nil {
		pw.recordError("write_journals")
		return err
	}
	if err := pw.writer.ProjectBalances(ctx, journals, tx); err != nil {
		pw.recordError("project_balances")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.recordError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(rows)))
		pw.metrics.PersistRecordsWritten.Add(float64(len(rows)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		if len(rows) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(rows[len(rows)-1].Sequence))
		}
	}
	return nil
}

func (pw *PersistenceWorker) recordError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
