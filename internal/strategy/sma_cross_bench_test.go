package strategy_test

import (
	"testing"

	"crypto_sync/internal/strategy"

	"github.com/shopspring/decimal"
)

// BenchmarkSMACrossStrategy_OnQuote measures strategy computation speed at steady state.
func BenchmarkSMACrossStrategy_OnQuote(b *testing.B) {
	strat, _ := strategy.NewSMACrossStrategy("BTC", 20, 50, decimal.NewFromInt(1))

	// Pre-fill buffer to reach steady state
	for i := 0; i < 50; i++ {
		strat.OnQuote(quote("BTC", 50000+int64(i)))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		strat.OnQuote(quote("BTC", 50000+int64(i%10000)))
	}
}

// BenchmarkSMACrossStrategy_ColdStart measures strategy initialization overhead.
func BenchmarkSMACrossStrategy_ColdStart(b *testing.B) {
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		strat, _ := strategy.NewSMACrossStrategy("BTC", 20, 50, decimal.NewFromInt(1))
		strat.OnQuote(quote("BTC", 50000))
	}
}
