// Package orderbook keeps the latest order book per (symbol, market) built
// from streamed deltas.
//
// Writers serialize per key and publish a fresh immutable snapshot through
// an atomic pointer; readers load that pointer and never wait on writers.
package orderbook

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"crypto_sync/internal/domain"
)

// entry holds one book. mu orders writers; readers only touch snap.
type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[domain.OrderBookSnapshot]
}

// Cache is safe for concurrent use by many adapters and readers.
type Cache struct {
	books sync.Map // domain.BookKey -> *entry
	now   func() time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{now: time.Now}
}

// Result reports what one update did.
type Result struct {
	Applied int // levels inserted, overwritten or removed
	Skipped int // malformed tuples
}

func (c *Cache) entry(key domain.BookKey) *entry {
	if e, ok := c.books.Load(key); ok {
		return e.(*entry)
	}
	e, _ := c.books.LoadOrStore(key, &entry{})
	return e.(*entry)
}

// Update applies ask and bid tuples [price, size, reserved, orderCount].
// A zero size removes the level; anything else upserts it. Malformed tuples
// are skipped one by one.
func (c *Cache) Update(symbol string, market domain.MarketType, asks, bids [][]string) Result {
	return c.Apply(symbol, market, domain.BookChange{Action: domain.BookUpdate, Asks: asks, Bids: bids})
}

// Apply applies a change. A snapshot action replaces the whole book; an
// update patches the current one. A non-zero SeqID is recorded on the book.
func (c *Cache) Apply(symbol string, market domain.MarketType, change domain.BookChange) Result {
	key := domain.BookKey{Symbol: symbol, Market: market}
	e := c.entry(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.snap.Load()
	next := &domain.OrderBookSnapshot{Key: key}

	if prev != nil && change.Action != domain.BookSnapshot {
		next.Asks = cloneSide(prev.Asks, len(change.Asks))
		next.Bids = cloneSide(prev.Bids, len(change.Bids))
		next.SeqID = prev.SeqID
	} else {
		next.Asks = make(map[string]domain.PriceLevel, len(change.Asks))
		next.Bids = make(map[string]domain.PriceLevel, len(change.Bids))
	}

	var res Result
	applySide(next.Asks, change.Asks, &res)
	applySide(next.Bids, change.Bids, &res)

	if change.SeqID != 0 {
		next.SeqID = change.SeqID
	}
	next.UpdatedAt = change.Timestamp
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = c.now()
	}

	e.snap.Store(next)
	return res
}

func cloneSide(src map[string]domain.PriceLevel, extra int) map[string]domain.PriceLevel {
	dst := make(map[string]domain.PriceLevel, len(src)+extra)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func applySide(side map[string]domain.PriceLevel, tuples [][]string, res *Result) {
	for _, raw := range tuples {
		d, err := domain.ParseDelta(raw)
		if err != nil {
			res.Skipped++
			continue
		}
		key := d.PriceKey()
		if d.Size.IsZero() {
			if _, ok := side[key]; ok {
				delete(side, key)
				res.Applied++
			}
			continue
		}
		side[key] = domain.PriceLevel{Size: d.Size, OrderCount: d.OrderCount}
		res.Applied++
	}
}

// Get returns the latest snapshot. The snapshot is immutable and stays
// valid after later updates.
func (c *Cache) Get(symbol string, market domain.MarketType) (*domain.OrderBookSnapshot, bool) {
	v, ok := c.books.Load(domain.BookKey{Symbol: symbol, Market: market})
	if !ok {
		return nil, false
	}
	snap := v.(*entry).snap.Load()
	if snap == nil {
		return nil, false
	}
	return snap, true
}

// SeqID returns the last recorded sequence id for a book.
func (c *Cache) SeqID(symbol string, market domain.MarketType) (int64, bool) {
	snap, ok := c.Get(symbol, market)
	if !ok {
		return 0, false
	}
	return snap.SeqID, true
}

// Delete drops a book.
func (c *Cache) Delete(symbol string, market domain.MarketType) {
	c.books.Delete(domain.BookKey{Symbol: symbol, Market: market})
}

// Keys lists the books currently held, ordered by market then symbol.
func (c *Cache) Keys() []domain.BookKey {
	var keys []domain.BookKey
	c.books.Range(func(k, v any) bool {
		if v.(*entry).snap.Load() != nil {
			keys = append(keys, k.(domain.BookKey))
		}
		return true
	})
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Market != keys[j].Market {
			return keys[i].Market < keys[j].Market
		}
		return keys[i].Symbol < keys[j].Symbol
	})
	return keys
}
