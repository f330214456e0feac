package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/remote"
	"dukaan/backend/internal/xid"
)

type Op string

const (
	OpSelect Op = "select"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

const zeroTime = "0001-01-01T00:00:00Z"

// FaultFunc lets tests fail a specific remote call. Returning nil lets the
// call through. An error wrapping remote.ErrOutcomeUnknown is returned after
// the write has been applied, like a response lost in transit.
type FaultFunc func(op Op, table string, row remote.Row) error

type subscription struct {
	table  string
	filter remote.Filter
	feed   *remote.Feed
}

// Store is an in-process remote table store with a change feed. It backs the
// dev server when no database is configured and doubles as the test remote.
type Store struct {
	mu           sync.RWMutex
	tables       map[string][]remote.Row
	subs         map[int]*subscription
	nextSubID    int
	fault        FaultFunc
	beforeSelect func(table string)
	offline      bool
	now          func() time.Time
}

func New() *Store {
	return &Store{
		tables: make(map[string][]remote.Row),
		subs:   make(map[int]*subscription),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func NewSeeded(storeID string) *Store {
	s := New()
	items := []domain.InventoryItem{
		{ID: "item-rice-5kg", Name: "Basmati Rice 5kg", Category: "grocery", Price: 64900, Cost: 52000, StockQuantity: 40, ReorderLevel: 10},
		{ID: "item-atta-10kg", Name: "Whole Wheat Atta 10kg", Category: "grocery", Price: 45500, Cost: 39000, StockQuantity: 35, ReorderLevel: 8},
		{ID: "item-dal-1kg", Name: "Toor Dal 1kg", Category: "grocery", Price: 16800, Cost: 14100, StockQuantity: 60, ReorderLevel: 15},
		{ID: "item-oil-1l", Name: "Sunflower Oil 1L", Category: "grocery", Price: 15500, Cost: 13200, StockQuantity: 48, ReorderLevel: 12},
		{ID: "item-tea-250g", Name: "Assam Tea 250g", Category: "beverage", Price: 14000, Cost: 10500, StockQuantity: 30, ReorderLevel: 10},
		{ID: "item-soap", Name: "Neem Soap", Category: "household", Price: 4500, Cost: 3100, StockQuantity: 90, ReorderLevel: 20},
	}
	for _, item := range items {
		item.StoreID = storeID
		row, err := remote.Encode(item)
		if err != nil {
			continue
		}
		s.Seed(domain.TableInventoryItems, row)
	}
	walkIn, err := remote.Encode(domain.Customer{ID: "cust-walk-in", StoreID: storeID, Name: "Walk-in Regular"})
	if err == nil {
		s.Seed(domain.TableCustomers, walkIn)
	}
	return s
}

// Seed inserts a row without publishing a change event.
func (s *Store) Seed(table string, row remote.Row) remote.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.prepare(row)
	s.tables[table] = append(s.tables[table], stored)
	return stored.Clone()
}

func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// SetBeforeSelect registers a hook run at the start of every Select, outside
// the store lock, so tests can interleave writes with a bulk fetch.
func (s *Store) SetBeforeSelect(fn func(table string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeSelect = fn
}

func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.offline {
		return fmt.Errorf("remote unreachable")
	}
	return nil
}

func (s *Store) Select(_ context.Context, table string, filter remote.Filter, order *remote.Order) ([]remote.Row, error) {
	if err := remote.ValidateTable(table); err != nil {
		return nil, err
	}
	s.mu.RLock()
	hook := s.beforeSelect
	s.mu.RUnlock()
	if hook != nil {
		hook(table)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(OpSelect, table, nil); err != nil {
		return nil, err
	}

	out := make([]remote.Row, 0, 16)
	for _, row := range s.tables[table] {
		if filter.Matches(row) {
			out = append(out, row.Clone())
		}
	}
	if order != nil && order.Column != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(out[i][order.Column], out[j][order.Column])
			if order.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	return out, nil
}

func (s *Store) Insert(_ context.Context, table string, row remote.Row) (remote.Row, error) {
	if err := remote.ValidateTable(table); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpInsert, table, row); err != nil {
		return nil, err
	}

	stored := s.prepare(row)
	for _, existing := range s.tables[table] {
		if existing.ID() == stored.ID() {
			return nil, fmt.Errorf("%w: id %s in %s", remote.ErrDuplicate, stored.ID(), table)
		}
	}
	if table == domain.TableSales {
		for _, existing := range s.tables[table] {
			if existing.String("store_id") == stored.String("store_id") &&
				existing.String("invoice_number") == stored.String("invoice_number") {
				return nil, fmt.Errorf("%w: invoice_number %s", remote.ErrDuplicate, stored.String("invoice_number"))
			}
		}
	}
	s.tables[table] = append(s.tables[table], stored)
	s.publish(table, domain.EventInsert, stored)
	return stored.Clone(), nil
}

func (s *Store) Update(_ context.Context, table string, filter remote.Filter, patch remote.Row) error {
	if err := remote.ValidateTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fault := s.check(OpUpdate, table, patch)
	if fault != nil && !errors.Is(fault, remote.ErrOutcomeUnknown) {
		return fault
	}

	for i, row := range s.tables[table] {
		if !filter.Matches(row) {
			continue
		}
		updated := row.Clone()
		for k, v := range normalize(patch) {
			if k == "id" {
				continue
			}
			updated[k] = v
		}
		updated["updated_at"] = s.now().Format(time.RFC3339Nano)
		s.tables[table][i] = updated
		s.publish(table, domain.EventUpdate, updated)
	}
	return fault
}

func (s *Store) Delete(_ context.Context, table string, filter remote.Filter) error {
	if err := remote.ValidateTable(table); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(OpDelete, table, nil); err != nil {
		return err
	}

	kept := s.tables[table][:0]
	removed := make([]remote.Row, 0)
	for _, row := range s.tables[table] {
		if filter.Matches(row) {
			removed = append(removed, row)
			continue
		}
		kept = append(kept, row)
	}
	s.tables[table] = kept
	for _, row := range removed {
		s.publish(table, domain.EventDelete, row)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, table string, filter remote.Filter) (<-chan remote.ChangeEvent, remote.CancelFunc, error) {
	if err := remote.ValidateTable(table); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	sub := &subscription{table: table, filter: filter, feed: remote.NewFeed()}
	s.subs[id] = sub
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.feed.Close()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.feed.Done():
		}
	}()
	return sub.feed.Events(), cancel, nil
}

// Rows returns a copy of every row in table, for assertions.
func (s *Store) Rows(table string) []remote.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]remote.Row, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		out = append(out, row.Clone())
	}
	return out
}

func (s *Store) check(op Op, table string, row remote.Row) error {
	if s.offline {
		return fmt.Errorf("remote unreachable")
	}
	if s.fault != nil {
		return s.fault(op, table, row)
	}
	return nil
}

func (s *Store) prepare(row remote.Row) remote.Row {
	stored := normalize(row)
	if stored.ID() == "" {
		stored["id"] = xid.New()
	}
	if at := stored.String("created_at"); at == "" || at == zeroTime {
		stored["created_at"] = s.now().Format(time.RFC3339Nano)
	}
	return stored
}

func (s *Store) publish(table string, typ domain.EventType, row remote.Row) {
	for _, sub := range s.subs {
		if sub.table != table || !sub.filter.Matches(row) {
			continue
		}
		sub.feed.Publish(remote.ChangeEvent{Type: typ, Table: table, Row: row.Clone()})
	}
}

// normalize round-trips a row through JSON so stored values have the same
// shapes a real remote would return.
func normalize(row remote.Row) remote.Row {
	out, err := remote.Encode(row)
	if err != nil {
		return row.Clone()
	}
	return out
}

func compare(a any, b any) int {
	af, aNum := a.(float64)
	bf, bNum := b.(float64)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
