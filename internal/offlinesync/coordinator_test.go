package offlinesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukaan/backend/internal/checkout"
	"dukaan/backend/internal/connectivity"
	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/localstore"
	"dukaan/backend/internal/queue"
	"dukaan/backend/internal/remote"
	"dukaan/backend/internal/remote/memory"
)

const storeID = "store-1"

type fixture struct {
	remote *memory.Store
	queue  *queue.Store
	gate   *connectivity.StaticGate
	coord  *Coordinator
}

func newFixture(t *testing.T, stock int) *fixture {
	t.Helper()
	r := memory.New()
	r.Seed(domain.TableInventoryItems, remote.Row{"id": "item-a", "store_id": storeID, "name": "Item A", "price": 50.0, "stock_quantity": stock})
	q := queue.New(localstore.NewMemory(), nil)
	gate := connectivity.NewStaticGate(true)
	return &fixture{
		remote: r,
		queue:  q,
		gate:   gate,
		coord:  NewCoordinator(q, checkout.NewCommitter(r), gate, nil, nil),
	}
}

func (f *fixture) enqueue(t *testing.T, invoice string, qty int, snapshotStock int) {
	t.Helper()
	draft := domain.SaleDraft{
		Lines: []domain.DraftLine{
			{ItemID: "item-a", Name: "Item A", UnitPrice: 5000, Quantity: qty, AvailableStock: snapshotStock},
		},
		PaymentMethod: "upi",
		AmountPaid:    domain.Money(5000 * qty * 118 / 100),
	}
	totals, err := checkout.ComputeTotals(draft.Lines, 0, draft.AmountPaid, checkout.DefaultTaxRatePercent)
	require.NoError(t, err)
	record := domain.NewPendingSaleRecord(storeID, invoice, draft, totals, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, f.queue.Enqueue(context.Background(), record))
}

func (f *fixture) stock(t *testing.T) int {
	t.Helper()
	rows := f.remote.Rows(domain.TableInventoryItems)
	require.Len(t, rows, 1)
	return int(rows[0]["stock_quantity"].(float64))
}

func TestDrainSyncsAllQueuedSales(t *testing.T) {
	f := newFixture(t, 20)
	f.enqueue(t, "INV-1", 1, 20)
	f.enqueue(t, "INV-2", 2, 20)
	f.enqueue(t, "INV-3", 3, 20)

	summary, err := f.coord.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Synced)
	assert.Equal(t, 0, summary.Remaining)
	assert.Empty(t, summary.FirstError)

	count, err := f.queue.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	sales := f.remote.Rows(domain.TableSales)
	require.Len(t, sales, 3)
	totals := map[string]string{}
	for _, sale := range sales {
		totals[sale.String("invoice_number")] = domain.NewMoney(sale["total"].(float64)).String()
	}
	assert.Equal(t, "59.00", totals["INV-1"])
	assert.Equal(t, "118.00", totals["INV-2"])
	assert.Equal(t, "177.00", totals["INV-3"])
	assert.Equal(t, 14, f.stock(t))
	assert.Equal(t, StateIdle, f.coord.State())
}

func TestDrainStopsAtFirstRemoteFailure(t *testing.T) {
	f := newFixture(t, 20)
	f.enqueue(t, "INV-1", 1, 20)
	f.enqueue(t, "INV-2", 1, 20)
	f.enqueue(t, "INV-3", 1, 20)
	f.remote.SetFault(func(op memory.Op, table string, row remote.Row) error {
		if op == memory.OpInsert && table == domain.TableSales && row.String("invoice_number") == "INV-2" {
			return errors.New("connection reset")
		}
		return nil
	})

	summary, err := f.coord.Drain(context.Background())
	require.ErrorIs(t, err, checkout.ErrRemoteWriteFailed)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 2, summary.Remaining)
	assert.NotEmpty(t, summary.FirstError)

	records, _, err := f.queue.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "INV-2", records[0].ID)
	assert.Equal(t, "INV-3", records[1].ID)
	assert.Len(t, f.remote.Rows(domain.TableSales), 1)
}

func TestSequentialReplayRejectsOversoldSale(t *testing.T) {
	f := newFixture(t, 5)
	f.enqueue(t, "INV-1", 3, 5)
	f.enqueue(t, "INV-2", 3, 5)

	summary, err := f.coord.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 0, summary.Remaining)
	assert.Contains(t, summary.FirstError, "insufficient stock")
	assert.Equal(t, 2, f.stock(t))

	rejected, err := f.queue.ListRejected(context.Background())
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "INV-2", rejected[0].Record.ID)

	count, err := f.queue.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDrainResumesFromRecordedProgress(t *testing.T) {
	f := newFixture(t, 10)
	f.enqueue(t, "INV-1", 2, 10)
	failAdjustment := true
	f.remote.SetFault(func(op memory.Op, table string, _ remote.Row) error {
		if failAdjustment && op == memory.OpInsert && table == domain.TableStockAdjustments {
			return errors.New("connection reset")
		}
		return nil
	})

	_, err := f.coord.Drain(context.Background())
	require.ErrorIs(t, err, checkout.ErrRemoteWriteFailed)
	assert.Equal(t, 8, f.stock(t))

	records, _, err := f.queue.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Progress)
	assert.Equal(t, []string{"item-a"}, records[0].Progress.StockDecremented)

	failAdjustment = false
	summary, err := f.coord.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, 8, f.stock(t))
	assert.Len(t, f.remote.Rows(domain.TableSales), 1)
	assert.Len(t, f.remote.Rows(domain.TableStockAdjustments), 1)
}

func TestDrainWhileOfflineLeavesQueue(t *testing.T) {
	f := newFixture(t, 10)
	f.enqueue(t, "INV-1", 1, 10)
	f.gate.Set(false)

	summary, err := f.coord.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.Offline)
	assert.Equal(t, 1, summary.Remaining)
	assert.Empty(t, f.remote.Rows(domain.TableSales))
}

type blockingCommitter struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingCommitter) Commit(context.Context, checkout.CommitRequest) (checkout.Result, error) {
	close(b.started)
	<-b.release
	return checkout.Result{}, nil
}

func TestSecondDrainWhileDrainingIsNoop(t *testing.T) {
	f := newFixture(t, 10)
	f.enqueue(t, "INV-1", 1, 10)
	committer := &blockingCommitter{started: make(chan struct{}), release: make(chan struct{})}
	coord := NewCoordinator(f.queue, committer, f.gate, nil, nil)

	done := make(chan domain.SyncSummary, 1)
	go func() {
		summary, _ := coord.Drain(context.Background())
		done <- summary
	}()
	<-committer.started
	assert.Equal(t, StateDraining, coord.State())

	second, err := coord.Drain(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	close(committer.release)
	first := <-done
	assert.Equal(t, 1, first.Synced)
	assert.Equal(t, StateIdle, coord.State())
}

func TestRunDrainsOnTick(t *testing.T) {
	f := newFixture(t, 10)
	f.enqueue(t, "INV-1", 1, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.coord.Run(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		count, err := f.queue.Count(context.Background())
		return err == nil && count == 0
	}, 2*time.Second, 10*time.Millisecond)
}
