package domain

import (
	"encoding/json"
	"testing"
)

func TestMoneyJSONUsesTwoDecimals(t *testing.T) {
	payload, err := json.Marshal(struct {
		Price Money `json:"price"`
	}{Price: NewMoney(153.4)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"price":153.40}` {
		t.Fatalf("unexpected payload %s", payload)
	}
}

func TestMoneyDecodesNumbersAndStrings(t *testing.T) {
	var v struct {
		A Money `json:"a"`
		B Money `json:"b"`
		C Money `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":23.4,"b":"50.25","c":null}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A != 2340 {
		t.Fatalf("expected 2340, got %d", v.A)
	}
	if v.B != 5025 {
		t.Fatalf("expected 5025, got %d", v.B)
	}
	if v.C != 0 {
		t.Fatalf("expected 0, got %d", v.C)
	}
}

func TestMoneyNegativeString(t *testing.T) {
	if got := Money(-5340).String(); got != "-53.40" {
		t.Fatalf("expected -53.40, got %s", got)
	}
}

func TestPendingRecordDraftCarriesPayment(t *testing.T) {
	rec := PendingSaleRecord{
		ID:      "INV-1",
		StoreID: "store-1",
		Items:   []PendingItem{{ID: "a", Name: "A", Price: 5000, Quantity: 2, Stock: 10}},
		Totals:  PendingTotals{Paid: 10000, PaymentMethod: "upi"},
	}
	draft := rec.Draft()
	if draft.PaymentMethod != "upi" || draft.AmountPaid != 10000 {
		t.Fatalf("unexpected draft payment %+v", draft)
	}
	if len(draft.Lines) != 1 || draft.Lines[0].AvailableStock != 10 {
		t.Fatalf("unexpected draft lines %+v", draft.Lines)
	}
}
