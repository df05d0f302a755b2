package strategy

import (
	"crypto_sync/internal/domain"

	"github.com/shopspring/decimal"
)

// ActionType defines the type of trading action
type ActionType int

const (
	ActionBuy  ActionType = iota + 1
	ActionSell // Sell
)

// String returns the string representation of ActionType
func (a ActionType) String() string {
	switch a {
	case ActionBuy:
		return "BUY"
	case ActionSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Action represents a decision made by the strategy
type Action struct {
	Type   ActionType
	Symbol string
	Price  decimal.Decimal
	Qty    decimal.Decimal
}

// Strategy is the interface that all trading strategies must implement.
// It is called synchronously by the worker that owns it.
type Strategy interface {
	// OnQuote is called with every sampled top-of-book quote.
	// It returns a list of Actions to be executed.
	OnQuote(q domain.Quote) []Action
}
