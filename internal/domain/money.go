package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Money is an amount in minor currency units. It travels as a JSON number with
// two decimals so stored records stay readable by the app's other clients.
type Money int64

func NewMoney(amount float64) Money {
	return Money(math.Round(amount * 100))
}

func (m Money) Float() float64 {
	return float64(m) / 100
}

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Money) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if raw == "null" {
		*m = 0
		return nil
	}
	if len(raw) > 1 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid money amount %q: %w", raw, err)
	}
	*m = NewMoney(f)
	return nil
}

// MulPercent returns m scaled by pct/100, rounded half away from zero.
func (m Money) MulPercent(pct float64) Money {
	return Money(math.Round(float64(m) * pct / 100))
}

// Within reports whether m and other differ by at most tol.
func (m Money) Within(other Money, tol Money) bool {
	d := m - other
	if d < 0 {
		d = -d
	}
	return d <= tol
}
