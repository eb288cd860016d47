package finance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// MoneyPlaces is the scale of every persisted amount.
const MoneyPlaces = 2

// Money rounds an amount to the persisted scale, half away from zero.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// DefaultCurrencies are accepted when no currency set is configured.
var DefaultCurrencies = []string{"MYR", "JPY"}

// Currencies restricts documents and accounts to a configured ISO-4217 set.
type Currencies struct {
	allowed map[string]struct{}
}

// NewCurrencies validates each code with x/text/currency.
func NewCurrencies(codes []string) (Currencies, error) {
	if len(codes) == 0 {
		codes = DefaultCurrencies
	}
	allowed := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		unit, err := currency.ParseISO(strings.TrimSpace(code))
		if err != nil {
			return Currencies{}, fmt.Errorf("finance: currency %q: %w", code, err)
		}
		allowed[unit.String()] = struct{}{}
	}
	return Currencies{allowed: allowed}, nil
}

// MustCurrencies panics on an invalid set. Intended for tests and defaults.
func MustCurrencies(codes ...string) Currencies {
	c, err := NewCurrencies(codes)
	if err != nil {
		panic(err)
	}
	return c
}

// Codes returns the accepted codes sorted.
func (c Currencies) Codes() []string {
	out := make([]string, 0, len(c.allowed))
	for code := range c.allowed {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Validate reports a ValidationError on field when code is unknown or not configured.
func (c Currencies) Validate(field, code string) error {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return Invalid(field, "unknown currency %q", code)
	}
	if len(c.allowed) == 0 {
		return nil
	}
	if _, ok := c.allowed[unit.String()]; !ok {
		return Invalid(field, "currency %s is not supported", unit.String())
	}
	return nil
}
