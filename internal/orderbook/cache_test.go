package orderbook

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"crypto_sync/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const btc = "BTC-USDT"

func lvl(price, size, count string) []string {
	return []string{price, size, "0", count}
}

func TestCache_UpsertKeepsLatest(t *testing.T) {
	c := NewCache()

	c.Update(btc, domain.MarketOkx, [][]string{lvl("100", "1", "1")}, nil)
	c.Update(btc, domain.MarketOkx, [][]string{lvl("100", "2.5", "3")}, nil)

	snap, ok := c.Get(btc, domain.MarketOkx)
	require.True(t, ok)
	require.Len(t, snap.Asks, 1)
	got := snap.Asks["100"]
	assert.True(t, got.Size.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, int64(3), got.OrderCount)
}

func TestCache_ZeroSizeDeletion(t *testing.T) {
	c := NewCache()
	c.Update(btc, domain.MarketOkx,
		[][]string{lvl("101", "1", "1"), lvl("102", "1", "1")},
		[][]string{lvl("99", "1", "1")},
	)

	t.Run("absent price is a no-op", func(t *testing.T) {
		before, _ := c.Get(btc, domain.MarketOkx)
		res := c.Update(btc, domain.MarketOkx, [][]string{lvl("150", "0", "0")}, nil)
		after, _ := c.Get(btc, domain.MarketOkx)

		assert.Equal(t, 0, res.Applied)
		assert.Equal(t, before.Asks, after.Asks)
		assert.Equal(t, before.Bids, after.Bids)
	})

	t.Run("present price removes exactly that level", func(t *testing.T) {
		res := c.Update(btc, domain.MarketOkx, [][]string{lvl("101", "0", "0")}, nil)
		snap, _ := c.Get(btc, domain.MarketOkx)

		assert.Equal(t, 1, res.Applied)
		assert.NotContains(t, snap.Asks, "101")
		assert.Contains(t, snap.Asks, "102")
		assert.Contains(t, snap.Bids, "99")
	})

	t.Run("equivalent decimal spelling matches", func(t *testing.T) {
		c.Update(btc, domain.MarketOkx, nil, [][]string{lvl("99.00", "0", "0")})
		snap, _ := c.Get(btc, domain.MarketOkx)
		assert.Empty(t, snap.Bids)
	})
}

func TestCache_MalformedTuplesSkipped(t *testing.T) {
	c := NewCache()
	res := c.Update(btc, domain.MarketOkx,
		[][]string{lvl("100", "1", "1"), {"bad"}, lvl("x", "1", "1"), lvl("101", "2", "2")},
		[][]string{lvl("99", "-1", "1"), lvl("98", "1", "1")},
	)

	assert.Equal(t, 3, res.Applied)
	assert.Equal(t, 3, res.Skipped)

	snap, _ := c.Get(btc, domain.MarketOkx)
	assert.Len(t, snap.Asks, 2)
	assert.Len(t, snap.Bids, 1)
}

func TestCache_SnapshotReplaces(t *testing.T) {
	c := NewCache()
	c.Update(btc, domain.MarketOkx, [][]string{lvl("100", "1", "1")}, [][]string{lvl("90", "1", "1")})

	c.Apply(btc, domain.MarketOkx, domain.BookChange{
		Action: domain.BookSnapshot,
		Asks:   [][]string{lvl("200", "1", "1")},
		SeqID:  42,
	})

	snap, ok := c.Get(btc, domain.MarketOkx)
	require.True(t, ok)
	assert.Equal(t, []string{"200"}, keys(snap.Asks))
	assert.Empty(t, snap.Bids)
	assert.Equal(t, int64(42), snap.SeqID)

	// Updates without a sequence keep the last one.
	c.Update(btc, domain.MarketOkx, [][]string{lvl("201", "1", "1")}, nil)
	seq, _ := c.SeqID(btc, domain.MarketOkx)
	assert.Equal(t, int64(42), seq)
}

func TestCache_KeysAreIsolated(t *testing.T) {
	c := NewCache()
	c.Update(btc, domain.MarketOkx, [][]string{lvl("100", "1", "1")}, nil)
	c.Update(btc, domain.MarketOkxDemo, [][]string{lvl("5", "1", "1")}, nil)
	c.Update("ETH-USDT", domain.MarketOkx, [][]string{lvl("3", "1", "1")}, nil)

	assert.Equal(t, []domain.BookKey{
		{Symbol: btc, Market: domain.MarketOkx},
		{Symbol: "ETH-USDT", Market: domain.MarketOkx},
		{Symbol: btc, Market: domain.MarketOkxDemo},
	}, c.Keys())

	c.Delete(btc, domain.MarketOkx)
	_, ok := c.Get(btc, domain.MarketOkx)
	assert.False(t, ok)
	_, ok = c.Get(btc, domain.MarketOkxDemo)
	assert.True(t, ok)
}

func TestCache_SnapshotIsolation(t *testing.T) {
	c := NewCache()

	// Every update moves all levels together: ask size == bid size == i.
	// A torn read would observe two different sizes.
	const levels = 20
	build := func(i int) ([][]string, [][]string) {
		var asks, bids [][]string
		for p := 0; p < levels; p++ {
			asks = append(asks, lvl(fmt.Sprint(1000+p), fmt.Sprint(i), "1"))
			bids = append(bids, lvl(fmt.Sprint(900-p), fmt.Sprint(i), "1"))
		}
		return asks, bids
	}
	a, b := build(1)
	c.Update(btc, domain.MarketOkx, a, b)

	var stop atomic.Bool
	var torn atomic.Int64
	var wg sync.WaitGroup

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				snap, ok := c.Get(btc, domain.MarketOkx)
				if !ok {
					continue
				}
				var first decimal.Decimal
				seen := false
				for _, side := range []map[string]domain.PriceLevel{snap.Asks, snap.Bids} {
					for _, l := range side {
						if !seen {
							first, seen = l.Size, true
						} else if !l.Size.Equal(first) {
							torn.Add(1)
						}
					}
				}
			}
		}()
	}

	for i := 2; i <= 300; i++ {
		a, b := build(i)
		c.Update(btc, domain.MarketOkx, a, b)
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, torn.Load(), "reader observed a partially applied update")
}

func TestCache_OldSnapshotUnchanged(t *testing.T) {
	c := NewCache()
	c.Update(btc, domain.MarketOkx, [][]string{lvl("100", "1", "1")}, nil)
	old, _ := c.Get(btc, domain.MarketOkx)

	c.Update(btc, domain.MarketOkx, [][]string{lvl("100", "0", "0"), lvl("101", "1", "1")}, nil)

	assert.Equal(t, []string{"100"}, keys(old.Asks))
}

func keys(m map[string]domain.PriceLevel) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
