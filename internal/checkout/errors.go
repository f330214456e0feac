package checkout

import (
	"errors"
	"fmt"
)

var (
	ErrValidationFailed  = errors.New("sale validation failed")
	ErrRemoteWriteFailed = errors.New("remote write failed")
	ErrProgressNotSaved  = errors.New("commit progress not saved")
)

type Step string

const (
	StepLookup     Step = "lookup"
	StepSale       Step = "sale"
	StepLineItem   Step = "line_item"
	StepStock      Step = "stock"
	StepAdjustment Step = "stock_adjustment"
	StepCustomer   Step = "customer"
)

// WriteError reports the remote step that failed and how far the sale got.
// SaleID is empty when the sale row was never written.
type WriteError struct {
	Step          Step
	InvoiceNumber string
	SaleID        string
	ItemID        string
	Err           error
}

func (e *WriteError) Error() string {
	msg := fmt.Sprintf("%v: %s for invoice %s", ErrRemoteWriteFailed, e.Step, e.InvoiceNumber)
	if e.SaleID != "" {
		msg += " (sale " + e.SaleID + ")"
	}
	if e.ItemID != "" {
		msg += " item " + e.ItemID
	}
	return msg + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() []error {
	return []error{ErrRemoteWriteFailed, e.Err}
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, fmt.Sprintf(format, args...))
}
