package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dukaan/backend/internal/checkout"
	"dukaan/backend/internal/connectivity"
	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/metrics"
	"dukaan/backend/internal/mirror"
	"dukaan/backend/internal/offlinesync"
	"dukaan/backend/internal/queue"
	"dukaan/backend/internal/remote"
	"dukaan/backend/internal/xid"
)

var ErrNotMirrorable = errors.New("table cannot be mirrored")

type Deps struct {
	Remote      remote.Client
	Queue       *queue.Store
	Gate        connectivity.Gate
	Committer   *checkout.Committer
	Coordinator *offlinesync.Coordinator
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	StoreID     string
	DeviceID    string
}

// Service is what the till screens call: it routes a finished sale to the
// remote store or the offline queue and exposes sync and live data.
type Service struct {
	remote         remote.Client
	queue          *queue.Store
	gate           connectivity.Gate
	committer      *checkout.Committer
	sync           *offlinesync.Coordinator
	metrics        *metrics.Metrics
	logger         *zap.Logger
	defaultStoreID string
	deviceID       string
	now            func() time.Time
}

func New(d Deps) *Service {
	if d.StoreID == "" {
		d.StoreID = "main-store"
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Committer == nil {
		d.Committer = checkout.NewCommitter(d.Remote, checkout.WithLogger(d.Logger))
	}
	if d.Coordinator == nil {
		d.Coordinator = offlinesync.NewCoordinator(d.Queue, d.Committer, d.Gate, d.Metrics, d.Logger)
	}
	return &Service{
		remote:         d.Remote,
		queue:          d.Queue,
		gate:           d.Gate,
		committer:      d.Committer,
		sync:           d.Coordinator,
		metrics:        d.Metrics,
		logger:         d.Logger,
		defaultStoreID: d.StoreID,
		deviceID:       d.DeviceID,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) StoreID() string {
	return s.defaultStoreID
}

// SubmitSale completes a sale at the till. When the remote store is
// unreachable, or becomes unreachable part way through, the sale is queued
// with whatever progress was made and reported as queued.
func (s *Service) SubmitSale(ctx context.Context, req domain.SubmitSaleRequest) (domain.SubmitSaleResponse, error) {
	storeID := strings.TrimSpace(req.StoreID)
	if storeID == "" {
		storeID = s.defaultStoreID
	}

	_, totals, err := s.committer.Quote(req.Draft)
	if err != nil {
		return domain.SubmitSaleResponse{}, err
	}

	invoice, err := invoiceNumber(req.InvoiceNumber, s.deviceID)
	if err != nil {
		return domain.SubmitSaleResponse{}, err
	}
	at := s.now()
	logger := s.logger.With(zap.String("invoice_number", invoice), zap.String("store_id", storeID))

	if req.InvoiceNumber != "" {
		queued, err := s.isQueued(ctx, invoice)
		if err != nil {
			return domain.SubmitSaleResponse{}, err
		}
		if queued {
			logger.Info("sale already queued, leaving it to sync")
			record := domain.NewPendingSaleRecord(storeID, invoice, req.Draft, totals, at)
			return s.queueSale(ctx, record, totals, "")
		}
	}

	if !s.gate.CanReachRemote(ctx) {
		record := domain.NewPendingSaleRecord(storeID, invoice, req.Draft, totals, at)
		return s.queueSale(ctx, record, totals, "")
	}

	recorder := checkout.NewMemoryRecorder()
	res, err := s.committer.Commit(ctx, checkout.CommitRequest{
		StoreID:       storeID,
		InvoiceNumber: invoice,
		Draft:         req.Draft,
		CreatedAt:     at,
		Recorder:      recorder,
	})
	if err == nil {
		s.metrics.SaleSubmitted(domain.SubmitStatusCommitted)
		pending, _ := s.queue.Count(ctx)
		return domain.SubmitSaleResponse{
			Status:        domain.SubmitStatusCommitted,
			InvoiceNumber: invoice,
			Totals:        res.Totals,
			Balance:       res.Totals.Balance(),
			Sale:          &res.Sale,
			Items:         res.Items,
			PendingCount:  pending,
		}, nil
	}

	progress, started := recorder.Progress(invoice)
	started = started && progress.SaleID != ""
	if errors.Is(err, checkout.ErrValidationFailed) && !started {
		return domain.SubmitSaleResponse{}, err
	}

	logger.Warn("online commit failed, queueing sale", zap.Bool("sale_row_written", started), zap.Error(err))
	record := domain.NewPendingSaleRecord(storeID, invoice, req.Draft, totals, at)
	if started {
		record.Progress = &progress
	}
	return s.queueSale(ctx, record, totals, fmt.Sprintf("saved offline after remote error: %v", err))
}

func (s *Service) queueSale(ctx context.Context, record domain.PendingSaleRecord, totals domain.Totals, warning string) (domain.SubmitSaleResponse, error) {
	if err := s.queue.Enqueue(ctx, record); err != nil {
		return domain.SubmitSaleResponse{}, fmt.Errorf("queue sale %s: %w", record.ID, err)
	}
	pending, err := s.queue.Count(ctx)
	if err != nil {
		return domain.SubmitSaleResponse{}, err
	}
	s.metrics.SaleSubmitted(domain.SubmitStatusQueued)
	s.metrics.SetPending(pending)
	s.logger.Info("sale queued offline", zap.String("invoice_number", record.ID), zap.Int("pending", pending))

	return domain.SubmitSaleResponse{
		Status:        domain.SubmitStatusQueued,
		InvoiceNumber: record.ID,
		Totals:        totals,
		Balance:       totals.Balance(),
		PendingCount:  pending,
		Warning:       warning,
	}, nil
}

// isQueued reports whether invoice is waiting in the offline queue. A queued
// sale is only ever committed by sync.
func (s *Service) isQueued(ctx context.Context, invoice string) (bool, error) {
	records, _, err := s.queue.ListPending(ctx)
	if err != nil {
		return false, err
	}
	for _, record := range records {
		if record.ID == invoice {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) SyncNow(ctx context.Context) (domain.SyncSummary, error) {
	return s.sync.Drain(ctx)
}

func (s *Service) RunSync(ctx context.Context, interval time.Duration) {
	s.sync.Run(ctx, interval)
}

func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.queue.Count(ctx)
}

func (s *Service) ListRejected(ctx context.Context) ([]queue.RejectedRecord, error) {
	return s.queue.ListRejected(ctx)
}

func (s *Service) SyncStatus(ctx context.Context) (domain.SyncStatusResponse, error) {
	pending, err := s.queue.Count(ctx)
	if err != nil {
		return domain.SyncStatusResponse{}, err
	}
	rejected, err := s.queue.ListRejected(ctx)
	if err != nil {
		return domain.SyncStatusResponse{}, err
	}
	return domain.SyncStatusResponse{
		State:        string(s.sync.State()),
		PendingCount: pending,
		Rejected:     len(rejected),
		Online:       s.gate.CanReachRemote(ctx),
	}, nil
}

// OpenMirror starts a live view of one of the store's tables. The caller
// owns the mirror and must Close it.
func (s *Service) OpenMirror(ctx context.Context, table string) (*mirror.Mirror, error) {
	if !domain.IsMirrorTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrNotMirrorable, table)
	}
	return mirror.Open(ctx, s.remote, table, s.defaultStoreID,
		mirror.WithLogger(s.logger),
		mirror.WithMetrics(s.metrics),
	)
}

const maxInvoiceNumberLen = 64

// invoiceNumber keeps a client-chosen invoice number so retries of one cart
// hit the same sale, and mints one otherwise.
func invoiceNumber(requested string, deviceID string) (string, error) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return xid.NewInvoiceNumber(deviceID), nil
	}
	if len(requested) > maxInvoiceNumberLen {
		return "", fmt.Errorf("%w: invoice number longer than %d characters", checkout.ErrValidationFailed, maxInvoiceNumberLen)
	}
	for _, r := range requested {
		if r < 0x21 || r > 0x7e {
			return "", fmt.Errorf("%w: invoice number must be printable ASCII without spaces", checkout.ErrValidationFailed)
		}
	}
	return requested, nil
}
