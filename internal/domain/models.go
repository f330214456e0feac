package domain

import "time"

type Customer struct {
	ID             string    `json:"id"`
	StoreID        string    `json:"store_id"`
	Name           string    `json:"name"`
	Phone          string    `json:"phone,omitempty"`
	Email          string    `json:"email,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	TotalPurchases Money     `json:"total_purchases"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

type InventoryItem struct {
	ID            string    `json:"id"`
	StoreID       string    `json:"store_id"`
	Name          string    `json:"name"`
	SKU           string    `json:"sku,omitempty"`
	Barcode       string    `json:"barcode,omitempty"`
	Category      string    `json:"category,omitempty"`
	Price         Money     `json:"price"`
	Cost          Money     `json:"cost"`
	StockQuantity int       `json:"stock_quantity"`
	ReorderLevel  int       `json:"reorder_level"`
	SupplierID    string    `json:"supplier_id,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

type DraftLine struct {
	ItemID         string `json:"item_id"`
	Name           string `json:"name"`
	UnitPrice      Money  `json:"unit_price"`
	Quantity       int    `json:"quantity"`
	AvailableStock int    `json:"available_stock"`
}

// SaleDraft is the uncommitted cart plus customer and payment selection.
type SaleDraft struct {
	Customer      *Customer   `json:"customer,omitempty"`
	Lines         []DraftLine `json:"lines"`
	PaymentMethod string      `json:"payment_method"`
	AmountPaid    Money       `json:"amount_paid"`
	Discount      Money       `json:"discount"`
}

type Totals struct {
	Subtotal Money  `json:"subtotal"`
	Tax      Money  `json:"tax"`
	Discount Money  `json:"discount"`
	Total    Money  `json:"total"`
	Paid     Money  `json:"paid"`
	Status   string `json:"status"`
}

// Balance is the amount still owed; zero when fully paid.
func (t Totals) Balance() Money {
	if t.Paid >= t.Total {
		return 0
	}
	return t.Total - t.Paid
}

type Sale struct {
	ID             string    `json:"id"`
	StoreID        string    `json:"store_id"`
	CustomerID     *string   `json:"customer_id"`
	InvoiceNumber  string    `json:"invoice_number"`
	Subtotal       Money     `json:"subtotal"`
	TaxAmount      Money     `json:"tax_amount"`
	DiscountAmount Money     `json:"discount_amount"`
	Total          Money     `json:"total"`
	PaidAmount     Money     `json:"paid_amount"`
	Status         string    `json:"status"`
	PaymentMethod  string    `json:"payment_method"`
	CreatedAt      time.Time `json:"created_at"`
}

type SaleLineItem struct {
	ID         string `json:"id,omitempty"`
	SaleID     string `json:"sale_id"`
	ItemID     string `json:"item_id"`
	ItemName   string `json:"item_name"`
	Quantity   int    `json:"quantity"`
	UnitPrice  Money  `json:"unit_price"`
	TotalPrice Money  `json:"total_price"`
}

type StockAdjustment struct {
	ID             string `json:"id,omitempty"`
	StoreID        string `json:"store_id"`
	ItemID         string `json:"item_id"`
	AdjustmentType string `json:"adjustment_type"`
	Quantity       int    `json:"quantity"`
	Reason         string `json:"reason"`
	ReferenceType  string `json:"reference_type"`
	ReferenceID    string `json:"reference_id"`
}

type PendingItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    Money  `json:"price"`
	Quantity int    `json:"quantity"`
	Stock    int    `json:"stock"`
}

type PendingTotals struct {
	Subtotal      Money  `json:"subtotal"`
	Tax           Money  `json:"tax"`
	Discount      Money  `json:"discount"`
	Total         Money  `json:"total"`
	Paid          Money  `json:"paid"`
	Status        string `json:"status"`
	PaymentMethod string `json:"paymentMethod"`
}

// CommitProgress records which sub-steps of a sale commit already reached the
// remote store. StockDecremented and CustomerCredited are written before the
// remote write they guard, so a crash never repeats them.
type CommitProgress struct {
	SaleID           string   `json:"saleId,omitempty"`
	LineItems        []string `json:"lineItems,omitempty"`
	StockDecremented []string `json:"stockDecremented,omitempty"`
	Adjusted         []string `json:"adjusted,omitempty"`
	CustomerCredited bool     `json:"customerCredited,omitempty"`
}

func (p *CommitProgress) Has(list []string, itemID string) bool {
	for _, id := range list {
		if id == itemID {
			return true
		}
	}
	return false
}

// PendingSaleRecord is the queued form of a sale committed while offline. ID is
// the invoice number.
type PendingSaleRecord struct {
	ID           string          `json:"id"`
	StoreID      string          `json:"storeId"`
	CustomerData *Customer       `json:"customerData"`
	Items        []PendingItem   `json:"items"`
	Totals       PendingTotals   `json:"totals"`
	Timestamp    string          `json:"timestamp"`
	Progress     *CommitProgress `json:"progress,omitempty"`
}

func NewPendingSaleRecord(storeID string, invoiceNumber string, draft SaleDraft, totals Totals, at time.Time) PendingSaleRecord {
	items := make([]PendingItem, 0, len(draft.Lines))
	for _, line := range draft.Lines {
		items = append(items, PendingItem{
			ID:       line.ItemID,
			Name:     line.Name,
			Price:    line.UnitPrice,
			Quantity: line.Quantity,
			Stock:    line.AvailableStock,
		})
	}
	return PendingSaleRecord{
		ID:           invoiceNumber,
		StoreID:      storeID,
		CustomerData: draft.Customer,
		Items:        items,
		Totals: PendingTotals{
			Subtotal:      totals.Subtotal,
			Tax:           totals.Tax,
			Discount:      totals.Discount,
			Total:         totals.Total,
			Paid:          totals.Paid,
			Status:        totals.Status,
			PaymentMethod: draft.PaymentMethod,
		},
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	}
}

func (r PendingSaleRecord) Draft() SaleDraft {
	lines := make([]DraftLine, 0, len(r.Items))
	for _, item := range r.Items {
		lines = append(lines, DraftLine{
			ItemID:         item.ID,
			Name:           item.Name,
			UnitPrice:      item.Price,
			Quantity:       item.Quantity,
			AvailableStock: item.Stock,
		})
	}
	return SaleDraft{
		Customer:      r.CustomerData,
		Lines:         lines,
		PaymentMethod: r.Totals.PaymentMethod,
		AmountPaid:    r.Totals.Paid,
		Discount:      r.Totals.Discount,
	}
}

func (r PendingSaleRecord) RecordedTotals() Totals {
	return Totals{
		Subtotal: r.Totals.Subtotal,
		Tax:      r.Totals.Tax,
		Discount: r.Totals.Discount,
		Total:    r.Totals.Total,
		Paid:     r.Totals.Paid,
		Status:   r.Totals.Status,
	}
}

func (r PendingSaleRecord) CreatedAt() time.Time {
	at, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return at.UTC()
}

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

type SyncSummary struct {
	Synced     int    `json:"synced"`
	Remaining  int    `json:"remaining"`
	Rejected   int    `json:"rejected"`
	Corrupt    int    `json:"corrupt"`
	FirstError string `json:"first_error,omitempty"`
	Skipped    bool   `json:"skipped"`
	Offline    bool   `json:"offline"`
}

// SubmitSaleRequest carries a cart from the till. InvoiceNumber is optional;
// a client that retries sends the same one so the sale is recorded once.
type SubmitSaleRequest struct {
	StoreID       string    `json:"store_id"`
	InvoiceNumber string    `json:"invoice_number,omitempty"`
	Draft         SaleDraft `json:"draft"`
}

type SubmitSaleResponse struct {
	Status        string         `json:"status"`
	InvoiceNumber string         `json:"invoice_number"`
	Totals        Totals         `json:"totals"`
	Balance       Money          `json:"balance"`
	Sale          *Sale          `json:"sale,omitempty"`
	Items         []SaleLineItem `json:"items,omitempty"`
	PendingCount  int            `json:"pending_count"`
	Warning       string         `json:"warning,omitempty"`
}

type SyncStatusResponse struct {
	State        string `json:"state"`
	PendingCount int    `json:"pending_count"`
	Rejected     int    `json:"rejected"`
	Online       bool   `json:"online"`
}

const (
	TableSales            = "sales"
	TableSaleItems        = "sale_items"
	TableStockAdjustments = "stock_adjustments"
	TableInventoryItems   = "inventory_items"
	TableCustomers        = "customers"
	TableSuppliers        = "suppliers"
)

const (
	SaleStatusCompleted = "completed"
	SaleStatusPartial   = "partial"
	SaleStatusPending   = "pending"
	SaleStatusCancelled = "cancelled"
)

const (
	AdjustmentIn         = "in"
	AdjustmentOut        = "out"
	AdjustmentCorrection = "adjustment"
)

const (
	SubmitStatusCommitted = "committed"
	SubmitStatusQueued    = "queued"
)

const ReferenceTypeSale = "sale"

// MirrorTables lists the tables screens may keep a live mirror of.
var MirrorTables = []string{
	TableInventoryItems,
	TableCustomers,
	TableSuppliers,
	TableSales,
	TableStockAdjustments,
}

func IsMirrorTable(table string) bool {
	for _, t := range MirrorTables {
		if t == table {
			return true
		}
	}
	return false
}
