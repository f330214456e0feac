package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"dukaan/backend/internal/domain"
	"dukaan/backend/internal/remote"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("DUKAAN_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set DUKAAN_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestInsertSelectUpdateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	storeID := fmt.Sprintf("store-it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = s.Delete(ctx, domain.TableInventoryItems, remote.Filter{"store_id": storeID})
	})

	inserted, err := s.Insert(ctx, domain.TableInventoryItems, remote.Row{
		"store_id":       storeID,
		"name":           "Integration Rice",
		"price":          50.0,
		"stock_quantity": 10,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted.ID() == "" {
		t.Fatalf("expected generated id")
	}

	if err := s.Update(ctx, domain.TableInventoryItems, remote.Filter{"id": inserted.ID()}, remote.Row{"stock_quantity": 8}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rows, err := s.Select(ctx, domain.TableInventoryItems, remote.Filter{"store_id": storeID}, &remote.Order{Column: "created_at", Desc: true})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	var item domain.InventoryItem
	if err := remote.Decode(rows[0], &item); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if item.StockQuantity != 8 || item.Price != 5000 {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestSubscribeReceivesTriggerEvents(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	storeID := fmt.Sprintf("store-feed-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = s.Delete(context.Background(), domain.TableCustomers, remote.Filter{"store_id": storeID})
	})

	events, unsubscribe, err := s.Subscribe(ctx, domain.TableCustomers, remote.Filter{"store_id": storeID})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsubscribe()

	if _, err := s.Insert(ctx, domain.TableCustomers, remote.Row{"store_id": storeID, "name": "Feed Customer"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != domain.EventInsert || ev.Row.String("name") != "Feed Customer" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for notification")
	}
}
