// Package offlinesync replays sales queued while offline against the remote
// store, one at a time and in the order they were made.
package offlinesync

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dukaan/backend/internal/checkout"
	"dukaan/backend/internal/connectivity"
	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/metrics"
	"dukaan/backend/internal/queue"
)

type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

type Queue interface {
	ListPending(ctx context.Context) ([]domain.PendingSaleRecord, []queue.Corruption, error)
	Remove(ctx context.Context, invoiceNumber string) error
	Reject(ctx context.Context, record domain.PendingSaleRecord, reason string) error
	Count(ctx context.Context) (int, error)
	RecordProgress(ctx context.Context, invoiceNumber string, progress domain.CommitProgress) error
}

type Committer interface {
	Commit(ctx context.Context, req checkout.CommitRequest) (checkout.Result, error)
}

type Coordinator struct {
	queue     Queue
	committer Committer
	gate      connectivity.Gate
	metrics   *metrics.Metrics
	logger    *zap.Logger
	draining  atomic.Bool
}

func NewCoordinator(q Queue, committer Committer, gate connectivity.Gate, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		queue:     q,
		committer: committer,
		gate:      gate,
		metrics:   m,
		logger:    logger,
	}
}

func (c *Coordinator) State() State {
	if c.draining.Load() {
		return StateDraining
	}
	return StateIdle
}

// Drain replays every queued sale. A call made while another drain is running
// returns immediately with Skipped set. A remote write failure stops the run
// and leaves that sale and everything after it queued, since later sales may
// depend on the stock the earlier one consumes. Sales that fail validation
// are moved to the rejected list and the run continues.
func (c *Coordinator) Drain(ctx context.Context) (domain.SyncSummary, error) {
	if !c.draining.CompareAndSwap(false, true) {
		return domain.SyncSummary{Skipped: true}, nil
	}
	defer c.draining.Store(false)

	summary, err := c.drain(ctx)
	c.metrics.SyncFinished(summary, err)
	return summary, err
}

func (c *Coordinator) drain(ctx context.Context) (domain.SyncSummary, error) {
	var summary domain.SyncSummary

	if !c.gate.CanReachRemote(ctx) {
		summary.Offline = true
		count, err := c.queue.Count(ctx)
		if err != nil {
			return summary, err
		}
		summary.Remaining = count
		return summary, nil
	}

	records, corrupt, err := c.queue.ListPending(ctx)
	if err != nil {
		return summary, err
	}
	summary.Corrupt = len(corrupt)
	for _, cerr := range corrupt {
		c.logger.Warn("skipping unreadable queued sale", zap.Error(cerr))
	}

	var runErr error
	for i, record := range records {
		if err := ctx.Err(); err != nil {
			runErr = err
			summary.Remaining = len(records) - i
			break
		}

		res, err := c.replay(ctx, record)
		if err == nil {
			if err := c.queue.Remove(ctx, record.ID); err != nil {
				runErr = err
				summary.Remaining = len(records) - i
				break
			}
			summary.Synced++
			c.logger.Info("queued sale synced",
				zap.String("invoice_number", record.ID),
				zap.String("sale_id", res.Sale.ID),
				zap.Bool("already_committed", res.AlreadyCommitted),
			)
			continue
		}

		if errors.Is(err, checkout.ErrValidationFailed) {
			if rerr := c.queue.Reject(ctx, record, err.Error()); rerr != nil {
				runErr = rerr
				summary.Remaining = len(records) - i
				break
			}
			summary.Rejected++
			if summary.FirstError == "" {
				summary.FirstError = err.Error()
			}
			continue
		}

		runErr = err
		summary.Remaining = len(records) - i
		c.logger.Warn("sync stopped, remaining sales stay queued",
			zap.String("invoice_number", record.ID),
			zap.Int("remaining", summary.Remaining),
			zap.Error(err),
		)
		break
	}

	if runErr != nil && summary.FirstError == "" {
		summary.FirstError = runErr.Error()
	}
	return summary, runErr
}

func (c *Coordinator) replay(ctx context.Context, record domain.PendingSaleRecord) (checkout.Result, error) {
	totals := record.RecordedTotals()
	return c.committer.Commit(ctx, checkout.CommitRequest{
		StoreID:       record.StoreID,
		InvoiceNumber: record.ID,
		Draft:         record.Draft(),
		CreatedAt:     record.CreatedAt(),
		Progress:      record.Progress,
		Totals:        &totals,
		Recorder:      c.queue,
	})
}

// Run drains on every tick until ctx is done. Each run's outcome is logged.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := c.Drain(ctx)
			switch {
			case err != nil:
				c.logger.Warn("background sync failed", zap.Int("synced", summary.Synced), zap.Int("remaining", summary.Remaining), zap.Error(err))
			case summary.Synced > 0 || summary.Rejected > 0:
				c.logger.Info("background sync finished", zap.Int("synced", summary.Synced), zap.Int("rejected", summary.Rejected), zap.Int("remaining", summary.Remaining))
			}
		}
	}
}
