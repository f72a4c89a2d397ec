package registry

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a decimal amount in an ISO-4217 currency.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// NewMoney parses amount and normalises the currency code.
func NewMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("NewMoney: %w", err)
	}
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if len(cur) != 3 {
		return Money{}, fmt.Errorf("NewMoney: invalid currency %q", currency)
	}
	return Money{Amount: d, Currency: cur}, nil
}

// MustMoney is NewMoney for static tool definitions.
func MustMoney(amount, currency string) Money {
	m, err := NewMoney(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// SameCurrency reports whether c names the same currency as m.
func (m Money) SameCurrency(c string) bool {
	return strings.EqualFold(m.Currency, strings.TrimSpace(c))
}

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}
