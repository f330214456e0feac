// Package checkout turns a validated cart into remote sale records: the sale
// row, its line items, stock decrements with their adjustments and the
// customer's purchase total. Commits are keyed by invoice number and can be
// repeated or resumed after a partial failure without duplicating effects.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/remote"
	"dukaan/backend/internal/xid"
)

// ProgressRecorder persists commit progress for an invoice. Stock and
// customer markers are recorded before their write, so the recorder must be
// durable for those steps to be at-most-once across crashes.
type ProgressRecorder interface {
	RecordProgress(ctx context.Context, invoiceNumber string, progress domain.CommitProgress) error
}

// MemoryRecorder keeps progress in process memory. Used for direct online
// commits, whose progress is handed to the offline queue if they fail.
type MemoryRecorder struct {
	mu       sync.Mutex
	progress map[string]domain.CommitProgress
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{progress: make(map[string]domain.CommitProgress)}
}

func (m *MemoryRecorder) RecordProgress(_ context.Context, invoiceNumber string, progress domain.CommitProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[invoiceNumber] = cloneProgress(progress)
	return nil
}

func (m *MemoryRecorder) Progress(invoiceNumber string) (domain.CommitProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[invoiceNumber]
	return cloneProgress(p), ok
}

type CommitRequest struct {
	StoreID       string
	InvoiceNumber string
	Draft         domain.SaleDraft
	CreatedAt     time.Time
	// Progress is what an earlier attempt recorded, if any.
	Progress *domain.CommitProgress
	// Totals are the totals recorded when the sale was made offline.
	Totals   *domain.Totals
	Recorder ProgressRecorder
}

type Result struct {
	Sale             domain.Sale
	Items            []domain.SaleLineItem
	Totals           domain.Totals
	Progress         domain.CommitProgress
	AlreadyCommitted bool
	Resumed          bool
}

type Option func(*Committer)

func WithTaxRate(percent float64) Option {
	return func(c *Committer) {
		c.taxRate = percent
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Committer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Committer) {
		if now != nil {
			c.now = now
		}
	}
}

type Committer struct {
	client  remote.Client
	taxRate float64
	logger  *zap.Logger
	now     func() time.Time
}

func NewCommitter(client remote.Client, opts ...Option) *Committer {
	c := &Committer{
		client:  client,
		taxRate: DefaultTaxRatePercent,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Committer) TaxRate() float64 {
	return c.taxRate
}

// Quote validates a draft and prices it without contacting the remote store.
func (c *Committer) Quote(draft domain.SaleDraft) ([]domain.DraftLine, domain.Totals, error) {
	lines, err := Validate(draft)
	if err != nil {
		return nil, domain.Totals{}, err
	}
	totals, err := ComputeTotals(lines, draft.Discount, draft.AmountPaid, c.taxRate)
	if err != nil {
		return nil, domain.Totals{}, err
	}
	return lines, totals, nil
}

func (c *Committer) Commit(ctx context.Context, req CommitRequest) (Result, error) {
	if strings.TrimSpace(req.StoreID) == "" {
		return Result{}, validationError("store id is required")
	}
	if strings.TrimSpace(req.InvoiceNumber) == "" {
		return Result{}, validationError("invoice number is required")
	}

	lines, totals, err := c.Quote(req.Draft)
	if err != nil {
		return Result{}, err
	}
	if req.Totals != nil {
		totals, err = CheckRecorded(*req.Totals, lines)
		if err != nil {
			return Result{}, err
		}
	}

	run := &commitRun{
		c:        c,
		req:      req,
		lines:    lines,
		totals:   totals,
		recorder: req.Recorder,
		logger:   c.logger.With(zap.String("invoice_number", req.InvoiceNumber), zap.String("store_id", req.StoreID)),
	}
	if run.recorder == nil {
		run.recorder = NewMemoryRecorder()
	}
	if req.Progress != nil {
		run.progress = cloneProgress(*req.Progress)
		run.hadProgress = true
	}
	return run.execute(ctx)
}

type commitRun struct {
	c           *Committer
	req         CommitRequest
	lines       []domain.DraftLine
	totals      domain.Totals
	recorder    ProgressRecorder
	progress    domain.CommitProgress
	hadProgress bool
	logger      *zap.Logger

	sale     domain.Sale
	items    map[string]domain.SaleLineItem
	adjusted map[string]bool
}

func (r *commitRun) execute(ctx context.Context) (Result, error) {
	existing, err := r.findSale(ctx)
	if err != nil {
		return Result{}, r.writeError(StepLookup, "", err)
	}

	r.items = make(map[string]domain.SaleLineItem, len(r.lines))
	r.adjusted = make(map[string]bool, len(r.lines))
	resumed := existing != nil

	if existing == nil {
		if err := r.checkStock(ctx); err != nil {
			return Result{}, err
		}
		if err := r.insertSale(ctx); err != nil {
			return Result{}, err
		}
	} else {
		r.sale = *existing
		if err := r.loadEvidence(ctx); err != nil {
			return Result{}, err
		}
	}

	if r.progress.SaleID != r.sale.ID {
		fromThisSale := r.progress.SaleID == ""
		r.progress = domain.CommitProgress{
			SaleID:           r.sale.ID,
			StockDecremented: keepIf(fromThisSale, r.progress.StockDecremented),
			CustomerCredited: fromThisSale && r.progress.CustomerCredited,
		}
		r.saveProgress(ctx)
	}

	complete := r.complete()
	credit := r.needsCustomerCredit(resumed, complete)
	if resumed && complete && !credit {
		r.logger.Info("sale already committed", zap.String("sale_id", r.sale.ID))
		return r.result(true, true), nil
	}
	if resumed {
		r.logger.Info("resuming partially committed sale", zap.String("sale_id", r.sale.ID))
	}

	if err := r.writeLineItems(ctx); err != nil {
		return Result{}, err
	}
	for _, line := range r.lines {
		if r.adjusted[line.ItemID] {
			continue
		}
		if err := r.decrementStock(ctx, line); err != nil {
			return Result{}, err
		}
	}
	if credit {
		if err := r.creditCustomer(ctx); err != nil {
			return Result{}, err
		}
	}

	r.logger.Info("sale committed",
		zap.String("sale_id", r.sale.ID),
		zap.String("total", r.sale.Total.String()),
		zap.Bool("resumed", resumed),
	)
	return r.result(false, resumed), nil
}

func (r *commitRun) findSale(ctx context.Context) (*domain.Sale, error) {
	row, err := remote.First(ctx, r.c.client, domain.TableSales, remote.Filter{
		"store_id":       r.req.StoreID,
		"invoice_number": r.req.InvoiceNumber,
	})
	if errors.Is(err, remote.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sale domain.Sale
	if err := remote.Decode(row, &sale); err != nil {
		return nil, err
	}
	return &sale, nil
}

// checkStock rejects the sale before anything is written when the remote
// stock cannot cover a line.
func (r *commitRun) checkStock(ctx context.Context) error {
	for _, line := range r.lines {
		item, err := r.loadItem(ctx, line.ItemID)
		if err != nil {
			return err
		}
		if item.StockQuantity < line.Quantity {
			return validationError("insufficient stock for %s: want %d, have %d", line.ItemID, line.Quantity, item.StockQuantity)
		}
	}
	return nil
}

func (r *commitRun) loadItem(ctx context.Context, itemID string) (domain.InventoryItem, error) {
	row, err := remote.First(ctx, r.c.client, domain.TableInventoryItems, remote.Filter{
		"id":       itemID,
		"store_id": r.req.StoreID,
	})
	if errors.Is(err, remote.ErrNotFound) {
		return domain.InventoryItem{}, validationError("item %s not found", itemID)
	}
	if err != nil {
		return domain.InventoryItem{}, r.writeError(StepStock, itemID, err)
	}
	var item domain.InventoryItem
	if err := remote.Decode(row, &item); err != nil {
		return domain.InventoryItem{}, r.writeError(StepStock, itemID, err)
	}
	return item, nil
}

func (r *commitRun) insertSale(ctx context.Context) error {
	createdAt := r.req.CreatedAt
	if createdAt.IsZero() {
		createdAt = r.c.now()
	}
	sale := domain.Sale{
		ID:             xid.New(),
		StoreID:        r.req.StoreID,
		InvoiceNumber:  r.req.InvoiceNumber,
		Subtotal:       r.totals.Subtotal,
		TaxAmount:      r.totals.Tax,
		DiscountAmount: r.totals.Discount,
		Total:          r.totals.Total,
		PaidAmount:     r.totals.Paid,
		Status:         r.totals.Status,
		PaymentMethod:  strings.ToLower(strings.TrimSpace(r.req.Draft.PaymentMethod)),
		CreatedAt:      createdAt.UTC(),
	}
	if customer := r.req.Draft.Customer; customer != nil && customer.ID != "" {
		id := customer.ID
		sale.CustomerID = &id
	}

	row, err := remote.Encode(sale)
	if err != nil {
		return r.writeError(StepSale, "", err)
	}
	stored, err := r.c.client.Insert(ctx, domain.TableSales, row)
	if err != nil {
		return r.writeError(StepSale, "", err)
	}
	if err := remote.Decode(stored, &r.sale); err != nil {
		return r.writeError(StepSale, "", err)
	}
	return nil
}

// loadEvidence reads back the line items and stock adjustments an earlier
// attempt already wrote for the sale.
func (r *commitRun) loadEvidence(ctx context.Context) error {
	rows, err := r.c.client.Select(ctx, domain.TableSaleItems, remote.Filter{"sale_id": r.sale.ID}, nil)
	if err != nil {
		return r.writeError(StepLookup, "", err)
	}
	for _, row := range rows {
		var item domain.SaleLineItem
		if err := remote.Decode(row, &item); err != nil {
			return r.writeError(StepLookup, "", err)
		}
		r.items[item.ItemID] = item
	}

	rows, err = r.c.client.Select(ctx, domain.TableStockAdjustments, remote.Filter{
		"reference_type":  domain.ReferenceTypeSale,
		"reference_id":    r.sale.ID,
		"adjustment_type": domain.AdjustmentOut,
	}, nil)
	if err != nil {
		return r.writeError(StepLookup, "", err)
	}
	for _, row := range rows {
		r.adjusted[row.String("item_id")] = true
	}
	return nil
}

func (r *commitRun) complete() bool {
	for _, line := range r.lines {
		if _, ok := r.items[line.ItemID]; !ok {
			return false
		}
		if !r.adjusted[line.ItemID] {
			return false
		}
	}
	return true
}

// needsCustomerCredit decides whether the purchase total still has to be
// added. Crediting is the last step, so an incomplete sale was never
// credited; a complete one is credited only when recorded progress for this
// same sale shows the step was not reached.
func (r *commitRun) needsCustomerCredit(resumed bool, complete bool) bool {
	customer := r.req.Draft.Customer
	if customer == nil || customer.ID == "" {
		return false
	}
	if r.progress.CustomerCredited {
		return false
	}
	if !resumed || !complete {
		return true
	}
	return r.hadProgress && r.req.Progress.SaleID == r.sale.ID
}

func (r *commitRun) writeLineItems(ctx context.Context) error {
	for _, line := range r.lines {
		if _, ok := r.items[line.ItemID]; ok {
			r.markLineItem(line.ItemID)
			continue
		}
		item := domain.SaleLineItem{
			ID:         xid.New(),
			SaleID:     r.sale.ID,
			ItemID:     line.ItemID,
			ItemName:   line.Name,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			TotalPrice: line.UnitPrice * domain.Money(line.Quantity),
		}
		row, err := remote.Encode(item)
		if err != nil {
			return r.writeError(StepLineItem, line.ItemID, err)
		}
		if _, err := r.c.client.Insert(ctx, domain.TableSaleItems, row); err != nil {
			if !errors.Is(err, remote.ErrDuplicate) {
				return r.writeError(StepLineItem, line.ItemID, err)
			}
			r.logger.Info("line item already present", zap.String("item_id", line.ItemID))
		}
		r.items[line.ItemID] = item
		r.markLineItem(line.ItemID)
		r.saveProgress(ctx)
	}
	return nil
}

func (r *commitRun) decrementStock(ctx context.Context, line domain.DraftLine) error {
	if !r.progress.Has(r.progress.StockDecremented, line.ItemID) {
		item, err := r.loadItem(ctx, line.ItemID)
		if err != nil {
			return err
		}
		if item.StockQuantity < line.Quantity {
			return validationError("insufficient stock for %s: want %d, have %d", line.ItemID, line.Quantity, item.StockQuantity)
		}

		r.progress.StockDecremented = append(r.progress.StockDecremented, line.ItemID)
		if err := r.recorder.RecordProgress(ctx, r.req.InvoiceNumber, r.progress); err != nil {
			r.progress.StockDecremented = without(r.progress.StockDecremented, line.ItemID)
			return fmt.Errorf("%w: stock intent for %s: %v", ErrProgressNotSaved, line.ItemID, err)
		}

		err = r.c.client.Update(ctx, domain.TableInventoryItems,
			remote.Filter{"id": line.ItemID, "store_id": r.req.StoreID},
			remote.Row{"stock_quantity": item.StockQuantity - line.Quantity},
		)
		if err != nil {
			if !errors.Is(err, remote.ErrOutcomeUnknown) {
				r.progress.StockDecremented = without(r.progress.StockDecremented, line.ItemID)
				r.saveProgress(ctx)
			}
			return r.writeError(StepStock, line.ItemID, err)
		}
	}

	adjustment := domain.StockAdjustment{
		ID:             xid.New(),
		StoreID:        r.req.StoreID,
		ItemID:         line.ItemID,
		AdjustmentType: domain.AdjustmentOut,
		Quantity:       line.Quantity,
		Reason:         "Sale",
		ReferenceType:  domain.ReferenceTypeSale,
		ReferenceID:    r.sale.ID,
	}
	row, err := remote.Encode(adjustment)
	if err != nil {
		return r.writeError(StepAdjustment, line.ItemID, err)
	}
	if _, err := r.c.client.Insert(ctx, domain.TableStockAdjustments, row); err != nil {
		return r.writeError(StepAdjustment, line.ItemID, err)
	}
	r.adjusted[line.ItemID] = true
	if !r.progress.Has(r.progress.Adjusted, line.ItemID) {
		r.progress.Adjusted = append(r.progress.Adjusted, line.ItemID)
	}
	r.saveProgress(ctx)
	return nil
}

func (r *commitRun) creditCustomer(ctx context.Context) error {
	customerID := r.req.Draft.Customer.ID

	r.progress.CustomerCredited = true
	if err := r.recorder.RecordProgress(ctx, r.req.InvoiceNumber, r.progress); err != nil {
		r.progress.CustomerCredited = false
		return fmt.Errorf("%w: customer intent: %v", ErrProgressNotSaved, err)
	}

	row, err := remote.First(ctx, r.c.client, domain.TableCustomers, remote.Filter{
		"id":       customerID,
		"store_id": r.req.StoreID,
	})
	if errors.Is(err, remote.ErrNotFound) {
		r.logger.Warn("customer not found, purchase total not updated", zap.String("customer_id", customerID))
		return nil
	}
	if err != nil {
		return r.revertCredit(ctx, err)
	}
	var customer domain.Customer
	if err := remote.Decode(row, &customer); err != nil {
		return r.revertCredit(ctx, err)
	}

	err = r.c.client.Update(ctx, domain.TableCustomers,
		remote.Filter{"id": customerID, "store_id": r.req.StoreID},
		remote.Row{"total_purchases": customer.TotalPurchases + r.sale.Total},
	)
	if errors.Is(err, remote.ErrOutcomeUnknown) {
		return r.writeError(StepCustomer, customerID, err)
	}
	if err != nil {
		return r.revertCredit(ctx, err)
	}
	return nil
}

func (r *commitRun) revertCredit(ctx context.Context, cause error) error {
	r.progress.CustomerCredited = false
	r.saveProgress(ctx)
	return r.writeError(StepCustomer, r.req.Draft.Customer.ID, cause)
}

func (r *commitRun) markLineItem(itemID string) {
	if !r.progress.Has(r.progress.LineItems, itemID) {
		r.progress.LineItems = append(r.progress.LineItems, itemID)
	}
}

// saveProgress records markers that remote evidence can reconstruct, so a
// failure here is logged rather than returned.
func (r *commitRun) saveProgress(ctx context.Context) {
	if err := r.recorder.RecordProgress(ctx, r.req.InvoiceNumber, r.progress); err != nil {
		r.logger.Warn("failed to record commit progress", zap.Error(err))
	}
}

func (r *commitRun) writeError(step Step, itemID string, err error) error {
	r.logger.Error("sale commit step failed",
		zap.String("step", string(step)),
		zap.String("sale_id", r.sale.ID),
		zap.String("item_id", itemID),
		zap.Error(err),
	)
	return &WriteError{
		Step:          step,
		InvoiceNumber: r.req.InvoiceNumber,
		SaleID:        r.sale.ID,
		ItemID:        itemID,
		Err:           err,
	}
}

func (r *commitRun) result(already bool, resumed bool) Result {
	items := make([]domain.SaleLineItem, 0, len(r.lines))
	for _, line := range r.lines {
		if item, ok := r.items[line.ItemID]; ok {
			items = append(items, item)
		}
	}
	return Result{
		Sale:  r.sale,
		Items: items,
		Totals: domain.Totals{
			Subtotal: r.sale.Subtotal,
			Tax:      r.sale.TaxAmount,
			Discount: r.sale.DiscountAmount,
			Total:    r.sale.Total,
			Paid:     r.sale.PaidAmount,
			Status:   r.sale.Status,
		},
		Progress:         cloneProgress(r.progress),
		AlreadyCommitted: already,
		Resumed:          resumed,
	}
}

func cloneProgress(in domain.CommitProgress) domain.CommitProgress {
	out := in
	out.LineItems = append([]string(nil), in.LineItems...)
	out.StockDecremented = append([]string(nil), in.StockDecremented...)
	out.Adjusted = append([]string(nil), in.Adjusted...)
	return out
}

func keepIf(keep bool, list []string) []string {
	if !keep {
		return nil
	}
	return list
}

func without(list []string, itemID string) []string {
	out := list[:0]
	for _, id := range list {
		if id != itemID {
			out = append(out, id)
		}
	}
	return out
}
