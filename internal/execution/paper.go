package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"crypto_sync/internal/strategy"

	"github.com/shopspring/decimal"
)

// ErrInsufficientBalance is returned when a simulated fill cannot be funded.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Fill is one simulated execution.
type Fill struct {
	Symbol string
	Side   string
	Price  decimal.Decimal
	Qty    decimal.Decimal
	Fee    decimal.Decimal
	Time   time.Time
}

// PaperExecution fills strategy actions against in-memory balances at the
// action's price. Safe for concurrent use by many workers.
type PaperExecution struct {
	mu       sync.Mutex
	feeRate  decimal.Decimal
	balances map[string]decimal.Decimal
	fills    []Fill
	logger   *slog.Logger
}

// NewPaperExecution creates a paper account charging feeRate (e.g. 0.001) on the quote leg.
func NewPaperExecution(feeRate decimal.Decimal, logger *slog.Logger) *PaperExecution {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaperExecution{
		feeRate:  feeRate,
		balances: make(map[string]decimal.Decimal),
		logger:   logger.With("module", "paper"),
	}
}

// Deposit credits amount of currency.
func (p *PaperExecution) Deposit(currency string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[currency] = p.balances[currency].Add(amount)
}

// GetBalance returns the balance of currency.
func (p *PaperExecution) GetBalance(currency string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[currency]
}

// GetFills returns a copy of all fills.
func (p *PaperExecution) GetFills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Fill(nil), p.fills...)
}

// Execute fills a at its price. Instrument ids look like "BTC-USDT".
func (p *PaperExecution) Execute(ctx context.Context, a strategy.Action) error {
	base, quote, ok := strings.Cut(a.Symbol, "-")
	if !ok || base == "" || quote == "" {
		return fmt.Errorf("paper: unsupported symbol %q", a.Symbol)
	}
	if !a.Price.IsPositive() || !a.Qty.IsPositive() {
		return fmt.Errorf("paper: invalid price %s or qty %s", a.Price, a.Qty)
	}

	notional := a.Price.Mul(a.Qty)
	fee := notional.Mul(p.feeRate)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch a.Type {
	case strategy.ActionBuy:
		cost := notional.Add(fee)
		if p.balances[quote].LessThan(cost) {
			return fmt.Errorf("paper buy %s: %w (need %s %s)", a.Symbol, ErrInsufficientBalance, cost, quote)
		}
		p.balances[quote] = p.balances[quote].Sub(cost)
		p.balances[base] = p.balances[base].Add(a.Qty)
	case strategy.ActionSell:
		if p.balances[base].LessThan(a.Qty) {
			return fmt.Errorf("paper sell %s: %w (need %s %s)", a.Symbol, ErrInsufficientBalance, a.Qty, base)
		}
		p.balances[base] = p.balances[base].Sub(a.Qty)
		p.balances[quote] = p.balances[quote].Add(notional.Sub(fee))
	default:
		return fmt.Errorf("paper: unknown action %s", a.Type)
	}

	p.fills = append(p.fills, Fill{
		Symbol: a.Symbol,
		Side:   a.Type.String(),
		Price:  a.Price,
		Qty:    a.Qty,
		Fee:    fee,
		Time:   time.Now(),
	})
	p.logger.Info("Paper fill",
		slog.String("symbol", a.Symbol),
		slog.String("side", a.Type.String()),
		slog.String("price", a.Price.String()),
		slog.String("qty", a.Qty.String()),
	)
	return nil
}
