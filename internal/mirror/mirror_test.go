package mirror

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/remote"
	"dukaan/backend/internal/remote/memory"
)

const storeID = "store-1"

func ids(rows []remote.Row) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ID())
	}
	sort.Strings(out)
	return out
}

func TestMirrorSeedsAndFollowsChanges(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	s.Seed(domain.TableInventoryItems, remote.Row{"id": "a", "store_id": storeID, "stock_quantity": 5})
	s.Seed(domain.TableInventoryItems, remote.Row{"id": "b", "store_id": storeID, "stock_quantity": 7})
	s.Seed(domain.TableInventoryItems, remote.Row{"id": "z", "store_id": "other-store"})

	m, err := Open(ctx, s, domain.TableInventoryItems, storeID)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, []string{"a", "b"}, ids(m.Snapshot()))

	_, err = s.Insert(ctx, domain.TableInventoryItems, remote.Row{"id": "c", "store_id": storeID, "stock_quantity": 1})
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, domain.TableInventoryItems, remote.Filter{"id": "a"}, remote.Row{"stock_quantity": 3}))
	require.NoError(t, s.Delete(ctx, domain.TableInventoryItems, remote.Filter{"id": "b"}))
	_, err = s.Insert(ctx, domain.TableInventoryItems, remote.Row{"id": "y", "store_id": "other-store"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Seq() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "c"}, ids(m.Snapshot()))
	row, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, 3.0, row["stock_quantity"])
	assert.Equal(t, "c", m.Snapshot()[0].ID())
}

func TestMirrorConvergesWithWritesDuringFetch(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	s.Seed(domain.TableCustomers, remote.Row{"id": "c1", "store_id": storeID, "name": "Asha"})

	fired := false
	s.SetBeforeSelect(func(table string) {
		if fired || table != domain.TableCustomers {
			return
		}
		fired = true
		_, _ = s.Insert(ctx, domain.TableCustomers, remote.Row{"id": "c2", "store_id": storeID, "name": "Ravi"})
		_ = s.Update(ctx, domain.TableCustomers, remote.Filter{"id": "c1"}, remote.Row{"name": "Asha K"})
	})

	m, err := Open(ctx, s, domain.TableCustomers, storeID)
	require.NoError(t, err)
	defer m.Close()

	require.Eventually(t, func() bool { return m.Seq() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c1", "c2"}, ids(m.Snapshot()))
	row, _ := m.Get("c1")
	assert.Equal(t, "Asha K", row["name"])
}

// scriptedClient fetches a fixed row set and replays pre-buffered events, as if
// they arrived before and during the fetch.
type scriptedClient struct {
	rows   []remote.Row
	events []remote.ChangeEvent
}

func (c *scriptedClient) Select(context.Context, string, remote.Filter, *remote.Order) ([]remote.Row, error) {
	return c.rows, nil
}

func (c *scriptedClient) Insert(context.Context, string, remote.Row) (remote.Row, error) {
	return nil, errors.New("read only")
}

func (c *scriptedClient) Update(context.Context, string, remote.Filter, remote.Row) error {
	return errors.New("read only")
}

func (c *scriptedClient) Delete(context.Context, string, remote.Filter) error {
	return errors.New("read only")
}

func (c *scriptedClient) Subscribe(ctx context.Context, _ string, _ remote.Filter) (<-chan remote.ChangeEvent, remote.CancelFunc, error) {
	ch := make(chan remote.ChangeEvent, len(c.events))
	for _, ev := range c.events {
		ch <- ev
	}
	return ch, func() {}, nil
}

func (c *scriptedClient) Ping(context.Context) error {
	return nil
}

func TestMirrorAppliesBufferedEventsInOrder(t *testing.T) {
	client := &scriptedClient{
		rows: []remote.Row{
			{"id": "a", "qty": 1.0},
			{"id": "b", "qty": 2.0},
		},
		events: []remote.ChangeEvent{
			{Type: domain.EventInsert, Table: domain.TableSales, Row: remote.Row{"id": "c", "qty": 9.0}},
			{Type: domain.EventUpdate, Table: domain.TableSales, Row: remote.Row{"id": "a", "qty": 4.0}},
			{Type: domain.EventUpdate, Table: domain.TableSales, Row: remote.Row{"id": "ghost", "qty": 0.0}},
			{Type: domain.EventDelete, Table: domain.TableSales, Row: remote.Row{"id": "b"}},
			{Type: domain.EventDelete, Table: domain.TableSales, Row: remote.Row{"id": "never-there"}},
			{Type: domain.EventUpdate, Table: domain.TableSales, Row: remote.Row{"id": "c", "qty": 8.0}},
		},
	}

	m, err := Open(context.Background(), client, domain.TableSales, storeID)
	require.NoError(t, err)
	defer m.Close()

	require.Eventually(t, func() bool { return m.Seq() == 6 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "c"}, ids(m.Snapshot()))
	a, _ := m.Get("a")
	c, _ := m.Get("c")
	assert.Equal(t, 4.0, a["qty"])
	assert.Equal(t, 8.0, c["qty"])
	_, ok := m.Get("ghost")
	assert.False(t, ok)
}

func TestMirrorCloseDiscardsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	s.Seed(domain.TableSuppliers, remote.Row{"id": "s1", "store_id": storeID})

	m, err := Open(ctx, s, domain.TableSuppliers, storeID)
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Len())

	for range m.Updates() {
	}

	_, err = s.Insert(ctx, domain.TableSuppliers, remote.Row{"id": "s2", "store_id": storeID})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestOpenRejectsUnknownTable(t *testing.T) {
	_, err := Open(context.Background(), memory.New(), "payroll", storeID)
	require.ErrorIs(t, err, remote.ErrUnknownTable)
}
