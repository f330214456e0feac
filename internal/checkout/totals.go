package checkout

import (
	"strings"

	"dukaan/backend/internal/domain"
)

const DefaultTaxRatePercent = 18.0

var paymentMethods = map[string]struct{}{
	"cash": {},
	"card": {},
	"upi":  {},
}

func SupportedPaymentMethod(method string) bool {
	_, ok := paymentMethods[strings.ToLower(strings.TrimSpace(method))]
	return ok
}

// MergeLines folds lines for the same item into one, keeping the first
// line's name, price and stock snapshot.
func MergeLines(lines []domain.DraftLine) []domain.DraftLine {
	merged := make([]domain.DraftLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		if i, ok := index[line.ItemID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ItemID] = len(merged)
		merged = append(merged, line)
	}
	return merged
}

// Validate checks a draft without touching the remote store and returns its
// merged lines.
func Validate(draft domain.SaleDraft) ([]domain.DraftLine, error) {
	if len(draft.Lines) == 0 {
		return nil, validationError("cart is empty")
	}
	for _, line := range draft.Lines {
		if strings.TrimSpace(line.ItemID) == "" {
			return nil, validationError("line %q has no item id", line.Name)
		}
		if line.Quantity <= 0 {
			return nil, validationError("quantity for %s must be positive", line.ItemID)
		}
		if line.UnitPrice <= 0 {
			return nil, validationError("price for %s must be positive", line.ItemID)
		}
	}

	lines := MergeLines(draft.Lines)
	for _, line := range lines {
		if line.Quantity > line.AvailableStock {
			return nil, validationError("insufficient stock for %s: want %d, have %d", line.ItemID, line.Quantity, line.AvailableStock)
		}
	}
	if !SupportedPaymentMethod(draft.PaymentMethod) {
		return nil, validationError("unsupported payment method %q", draft.PaymentMethod)
	}
	if draft.AmountPaid < 0 {
		return nil, validationError("amount paid cannot be negative")
	}
	if draft.Discount < 0 {
		return nil, validationError("discount cannot be negative")
	}
	return lines, nil
}

func Subtotal(lines []domain.DraftLine) domain.Money {
	var subtotal domain.Money
	for _, line := range lines {
		subtotal += line.UnitPrice * domain.Money(line.Quantity)
	}
	return subtotal
}

func StatusFor(paid domain.Money, total domain.Money) string {
	if paid >= total {
		return domain.SaleStatusCompleted
	}
	return domain.SaleStatusPartial
}

func ComputeTotals(lines []domain.DraftLine, discount domain.Money, paid domain.Money, taxRatePercent float64) (domain.Totals, error) {
	subtotal := Subtotal(lines)
	tax := subtotal.MulPercent(taxRatePercent)
	if discount > subtotal+tax {
		return domain.Totals{}, validationError("discount %s exceeds bill %s", discount, subtotal+tax)
	}
	total := subtotal + tax - discount
	return domain.Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Total:    total,
		Paid:     paid,
		Status:   StatusFor(paid, total),
	}, nil
}

// CheckRecorded accepts totals captured when an offline sale was made as
// long as they agree with its lines to the cent. The tax rate may have changed
// since, so the recorded tax is kept.
func CheckRecorded(recorded domain.Totals, lines []domain.DraftLine) (domain.Totals, error) {
	const tolerance = domain.Money(1)

	subtotal := Subtotal(lines)
	if !recorded.Subtotal.Within(subtotal, tolerance) {
		return domain.Totals{}, validationError("recorded subtotal %s does not match lines %s", recorded.Subtotal, subtotal)
	}
	if recorded.Tax < 0 || recorded.Discount < 0 || recorded.Paid < 0 {
		return domain.Totals{}, validationError("recorded totals contain negative amounts")
	}
	if recorded.Discount > recorded.Subtotal+recorded.Tax {
		return domain.Totals{}, validationError("recorded discount %s exceeds bill", recorded.Discount)
	}
	expected := recorded.Subtotal + recorded.Tax - recorded.Discount
	if !recorded.Total.Within(expected, tolerance) {
		return domain.Totals{}, validationError("recorded total %s does not match %s", recorded.Total, expected)
	}
	recorded.Status = StatusFor(recorded.Paid, recorded.Total)
	return recorded, nil
}
