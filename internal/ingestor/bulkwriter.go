package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmylchreest/tvarr/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLite's SQLITE_MAX_VARIABLE_NUMBER bound-parameter limit for a single
// statement. Batch sizes below are chosen so that batch_size * columns never
// crosses it in one bulk-insert statement.
const sqliteMaxVariableNumber = 32766

// channelColumnsPerRow and programColumnsPerRow are the bound-parameter
// counts a single Channel/EpgProgram row contributes to a bulk INSERT.
const (
	channelColumnsPerRow = 9
	programColumnsPerRow = 17
)

// SafeChannelBatchSize and SafeProgramBatchSize are the largest batch sizes
// that keep a single bulk-insert statement under SQLite's bound-parameter
// limit.
const (
	SafeChannelBatchSize = sqliteMaxVariableNumber / channelColumnsPerRow
	SafeProgramBatchSize = sqliteMaxVariableNumber / programColumnsPerRow
)

// Per-phase deadlines and busy timeouts, per the replace-source-data
// algorithm: cleanup runs shortest and tightest, channel batches get more
// room, program batches (the largest volume) get the most.
const (
	cleanupPhaseDeadline = 30 * time.Second
	channelPhaseDeadline = 60 * time.Second
	programPhaseDeadline = 90 * time.Second

	cleanupBusyTimeout = 10 * time.Second
	batchBusyTimeout   = 15 * time.Second
)

// ErrBulkWriteCancelled indicates a bulk write observed context
// cancellation. Distinguished from ErrBulkWriteTimeout so callers can tell
// a deliberate cancellation from a deadline being exceeded.
var ErrBulkWriteCancelled = errors.New("bulk write cancelled")

// ErrBulkWriteTimeout indicates a bulk write phase exceeded its deadline.
var ErrBulkWriteTimeout = errors.New("bulk write timed out")

// BulkWriteProgress reports cumulative progress during a bulk-insert phase.
type BulkWriteProgress func(writtenSoFar, total int)

// BulkWriter replaces a source's channels or EPG programs in bounded,
// cancellable batches. Channels and programs are rooted at different source
// tables (StreamSource and EpgSource respectively), so cleanup and insert
// are exposed as separate channel/program operations rather than a single
// combined call; callers orchestrate the cleanup-then-insert sequence for
// their own source kind.
type BulkWriter struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewBulkWriter creates a BulkWriter over db.
func NewBulkWriter(db *gorm.DB) *BulkWriter {
	return &BulkWriter{
		db:     db,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used for batch diagnostics.
func (w *BulkWriter) WithLogger(logger *slog.Logger) *BulkWriter {
	w.logger = logger
	return w
}

// CleanupChannelSource deletes all channels for sourceID inside a single
// short transaction with a 30s deadline and a 10s busy timeout.
func (w *BulkWriter) CleanupChannelSource(ctx context.Context, sourceID models.ULID) error {
	return w.runCleanup(ctx, func(tx *gorm.DB) error {
		return tx.Unscoped().Where("source_id = ?", sourceID).Delete(&models.Channel{}).Error
	})
}

// CleanupProgramSource deletes all EPG programs for sourceID inside a
// single short transaction with a 30s deadline and a 10s busy timeout.
func (w *BulkWriter) CleanupProgramSource(ctx context.Context, sourceID models.ULID) error {
	return w.runCleanup(ctx, func(tx *gorm.DB) error {
		return tx.Unscoped().Where("source_id = ?", sourceID).Delete(&models.EpgProgram{}).Error
	})
}

func (w *BulkWriter) runCleanup(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if err := checkCancelled(ctx); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, cleanupPhaseDeadline)
	defer cancel()

	err := w.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		if err := setBusyTimeout(tx, cleanupBusyTimeout); err != nil {
			return err
		}
		if err := checkCancelled(cctx); err != nil {
			return err
		}
		return fn(tx)
	})
	return classifyBulkErr(cctx, err)
}

// InsertChannelBatch writes channels in chunks of at most
// SafeChannelBatchSize, each in its own transaction with a 60s deadline and
// a 15s busy timeout. Cancellation is checked between batches, and the
// progress callback (if non-nil) is invoked after each batch commits.
func (w *BulkWriter) InsertChannelBatch(ctx context.Context, channels []*models.Channel, progress BulkWriteProgress) (int, error) {
	written := 0
	total := len(channels)

	for start := 0; start < total; start += SafeChannelBatchSize {
		if err := checkCancelled(ctx); err != nil {
			return written, err
		}

		end := start + SafeChannelBatchSize
		if end > total {
			end = total
		}
		batch := channels[start:end]

		cctx, cancel := context.WithTimeout(ctx, channelPhaseDeadline)
		err := w.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
			if err := setBusyTimeout(tx, batchBusyTimeout); err != nil {
				return err
			}
			return tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "source_id"}, {Name: "ext_id"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"tvg_id", "tvg_name", "tvg_logo", "group_title", "channel_name",
					"channel_number", "stream_url", "stream_type", "language",
					"country", "is_adult", "extra", "updated_at",
				}),
			}).Create(batch).Error
		})
		cancel()
		if err != nil {
			return written, classifyBulkErr(cctx, err)
		}

		written += len(batch)
		w.logger.Debug("channel batch written",
			slog.Int("batch_size", len(batch)),
			slog.Int("written_so_far", written),
			slog.Int("total", total))
		if progress != nil {
			progress(written, total)
		}
	}

	return written, nil
}

// InsertProgramBatch writes programs in chunks of at most
// SafeProgramBatchSize, each in its own transaction with a 90s deadline and
// a 15s busy timeout. Cancellation is checked between batches, and the
// progress callback (if non-nil) is invoked with (programs_so_far,
// programs_total) after each batch commits.
func (w *BulkWriter) InsertProgramBatch(ctx context.Context, programs []*models.EpgProgram, progress BulkWriteProgress) (int, error) {
	written := 0
	total := len(programs)

	for start := 0; start < total; start += SafeProgramBatchSize {
		if err := checkCancelled(ctx); err != nil {
			return written, err
		}

		end := start + SafeProgramBatchSize
		if end > total {
			end = total
		}
		batch := programs[start:end]

		cctx, cancel := context.WithTimeout(ctx, programPhaseDeadline)
		err := w.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
			if err := setBusyTimeout(tx, batchBusyTimeout); err != nil {
				return err
			}
			return tx.Create(batch).Error
		})
		cancel()
		if err != nil {
			return written, classifyBulkErr(cctx, err)
		}

		written += len(batch)
		w.logger.Debug("program batch written",
			slog.Int("batch_size", len(batch)),
			slog.Int("written_so_far", written),
			slog.Int("total", total))
		if progress != nil {
			progress(written, total)
		}
	}

	return written, nil
}

// setBusyTimeout raises the SQLite busy timeout for the current transaction,
// overriding the connection-level default for the duration of this phase.
func setBusyTimeout(tx *gorm.DB, d time.Duration) error {
	return tx.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", d.Milliseconds())).Error
}

// checkCancelled returns ErrBulkWriteCancelled if ctx has been cancelled.
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return classifyBulkErr(ctx, ctx.Err())
	default:
		return nil
	}
}

// classifyBulkErr maps a context/transaction error to the typed cancellation
// or timeout sentinel, leaving other errors untouched.
func classifyBulkErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrBulkWriteTimeout, err)
	}
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return fmt.Errorf("%w: %v", ErrBulkWriteCancelled, err)
	}
	return err
}
