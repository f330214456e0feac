package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"dukaan/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnknownTable = errors.New("unknown table")
	ErrInvalidRow   = errors.New("invalid row")
	ErrDuplicate    = errors.New("duplicate row")

	// ErrOutcomeUnknown marks a write error after which the write may or may
	// not have been applied, such as a timeout waiting for the response.
	ErrOutcomeUnknown = errors.New("write outcome unknown")
)

// Row is one record of a remote table keyed by column name.
type Row map[string]any

func (r Row) ID() string {
	return r.String("id")
}

func (r Row) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Filter matches rows whose columns equal the given values.
type Filter map[string]any

func (f Filter) Matches(row Row) bool {
	for column, want := range f {
		if row.String(column) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Columns returns the filter columns in a stable order.
func (f Filter) Columns() []string {
	cols := make([]string, 0, len(f))
	for c := range f {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

type Order struct {
	Column string
	Desc   bool
}

type ChangeEvent struct {
	Type  domain.EventType `json:"type"`
	Table string           `json:"table"`
	Row   Row              `json:"row"`
}

type CancelFunc func()

// Client is the remote table store the sale and sync core talks to.
type Client interface {
	Select(ctx context.Context, table string, filter Filter, order *Order) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	Update(ctx context.Context, table string, filter Filter, patch Row) error
	Delete(ctx context.Context, table string, filter Filter) error
	Subscribe(ctx context.Context, table string, filter Filter) (<-chan ChangeEvent, CancelFunc, error)
	Ping(ctx context.Context) error
}

var knownTables = map[string]struct{}{
	domain.TableSales:            {},
	domain.TableSaleItems:        {},
	domain.TableStockAdjustments: {},
	domain.TableInventoryItems:   {},
	domain.TableCustomers:        {},
	domain.TableSuppliers:        {},
	"stores":                     {},
	"payments":                   {},
}

func ValidateTable(table string) error {
	if _, ok := knownTables[table]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

// ValidateColumn rejects anything that is not a plain snake_case identifier.
func ValidateColumn(column string) error {
	if column == "" {
		return fmt.Errorf("%w: empty column", ErrInvalidRow)
	}
	for _, r := range column {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("%w: column %q", ErrInvalidRow, column)
		}
	}
	if strings.HasPrefix(column, "_") {
		return fmt.Errorf("%w: column %q", ErrInvalidRow, column)
	}
	return nil
}

// Encode turns a domain value into a Row through its JSON tags.
func Encode(v any) (Row, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var row Row
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// Decode fills dest from a Row through its JSON tags.
func Decode(row Row, dest any) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}
	return nil
}

// First returns the first row matching filter, or ErrNotFound.
func First(ctx context.Context, c Client, table string, filter Filter) (Row, error) {
	rows, err := c.Select(ctx, table, filter, nil)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}
