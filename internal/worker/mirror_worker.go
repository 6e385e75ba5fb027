package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flatmates/internal/amqp"
	"flatmates/internal/log"
	"flatmates/internal/sheets"
)

// MirrorWorker copies ledger tables from the primary store into a mirror,
// usually the Google spreadsheet the household reads. Each copy replaces the
// whole mirror table, so the mirror converges on whatever the primary holds
// at the moment of the copy.
type MirrorWorker struct {
	primary sheets.TableReader
	mirror  sheets.TableOverwriter
	logger  *log.Logger
}

func NewMirrorWorker(primary sheets.TableReader, mirror sheets.TableOverwriter, logger *log.Logger) *MirrorWorker {
	if logger == nil {
		logger = log.Discard()
	}
	return &MirrorWorker{
		primary: primary,
		mirror:  mirror,
		logger:  logger.WithComponent(log.ComponentWorker),
	}
}

// HandleLedgerEvent mirrors the tables touched by ev. It satisfies
// amqp.Handler; a returned error makes the consumer requeue the message.
func (w *MirrorWorker) HandleLedgerEvent(ctx context.Context, ev *amqp.LedgerEvent) error {
	tables := ev.Type.Tables()
	if len(tables) == 0 {
		w.logger.WarnContext(ctx, "Ignoring event with no tables", log.FieldEvent, string(ev.Type))
		return nil
	}

	w.logger.InfoContext(ctx, "Processing ledger event",
		log.FieldEvent, string(ev.Type),
		log.FieldCount, ev.Count)

	return w.copyTables(ctx, tables)
}

// Resync copies every table. It backs up lost messages and runs once at
// worker startup.
func (w *MirrorWorker) Resync(ctx context.Context) error {
	start := time.Now()
	if err := w.copyTables(ctx, sheets.Tables()); err != nil {
		return err
	}
	w.logger.InfoContext(ctx, "Full resync completed",
		log.FieldDuration, time.Since(start).Milliseconds())
	return nil
}

// RunPeriodicResync calls Resync every interval until ctx is done. Failures
// are logged and retried on the next tick.
func (w *MirrorWorker) RunPeriodicResync(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Resync(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.ErrorContext(ctx, "Periodic resync failed", "error", err)
			}
		}
	}
}

// copyTables stops at the first failing table; tables already copied stay
// copied.
func (w *MirrorWorker) copyTables(ctx context.Context, tables []sheets.Table) error {
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := w.primary.ReadTable(ctx, t)
		if err != nil {
			return fmt.Errorf("read %s from primary: %w", t, err)
		}
		if err := w.mirror.OverwriteTable(ctx, t, t.Headers(), rows); err != nil {
			return fmt.Errorf("overwrite %s in mirror: %w", t, err)
		}

		w.logger.DebugContext(ctx, "Mirrored table", log.NewFields().WithTable(t.String(), len(rows)).ToSlice()...)
	}
	return nil
}
