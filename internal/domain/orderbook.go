package domain

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is the aggregate size and order count at one price.
// A stored level always has Size > 0.
type PriceLevel struct {
	Size       decimal.Decimal `json:"size"`
	OrderCount int64           `json:"order_count"`
}

// Delta is one parsed price-level update. A zero Size removes the level.
type Delta struct {
	Price      decimal.Decimal
	Size       decimal.Decimal
	OrderCount int64
}

// PriceKey returns the canonical map key for the delta's price.
func (d Delta) PriceKey() string {
	return d.Price.String()
}

// ParseDelta parses an exchange tuple [price, size, reserved, orderCount].
// The reserved field is ignored; orderCount is optional.
func ParseDelta(raw []string) (Delta, error) {
	if len(raw) < 2 {
		return Delta{}, fmt.Errorf("%w: want at least 2 fields, got %d", ErrMalformedLevel, len(raw))
	}

	price, err := decimal.NewFromString(raw[0])
	if err != nil {
		return Delta{}, fmt.Errorf("%w: price %q: %v", ErrMalformedLevel, raw[0], err)
	}
	if !price.IsPositive() {
		return Delta{}, fmt.Errorf("%w: non-positive price %q", ErrMalformedLevel, raw[0])
	}

	size, err := decimal.NewFromString(raw[1])
	if err != nil {
		return Delta{}, fmt.Errorf("%w: size %q: %v", ErrMalformedLevel, raw[1], err)
	}
	if size.IsNegative() {
		return Delta{}, fmt.Errorf("%w: negative size %q", ErrMalformedLevel, raw[1])
	}

	var count int64
	if len(raw) >= 4 && raw[3] != "" {
		count, err = strconv.ParseInt(raw[3], 10, 64)
		if err != nil {
			return Delta{}, fmt.Errorf("%w: order count %q: %v", ErrMalformedLevel, raw[3], err)
		}
	}

	return Delta{Price: price, Size: size, OrderCount: count}, nil
}

// BookKey identifies one order book in the shared cache.
type BookKey struct {
	Symbol string
	Market MarketType
}

func (k BookKey) String() string {
	return string(k.Market) + "/" + k.Symbol
}

// BookAction tells whether an update replaces the book or patches it.
type BookAction string

const (
	BookSnapshot BookAction = "snapshot"
	BookUpdate   BookAction = "update"
)

// BookChange is a batch of raw ask/bid tuples for one book.
type BookChange struct {
	Action    BookAction
	Asks      [][]string
	Bids      [][]string
	SeqID     int64
	Timestamp time.Time
}

// OrderBookSnapshot is an immutable point-in-time view of one book.
// The maps are never written after the snapshot is published; treat them as read-only.
type OrderBookSnapshot struct {
	Key       BookKey
	Asks      map[string]PriceLevel
	Bids      map[string]PriceLevel
	SeqID     int64
	UpdatedAt time.Time
}

// Level is a price with its aggregate, used for ordered views.
type Level struct {
	Price decimal.Decimal
	PriceLevel
}

// SortedAsks returns asks in ascending price order.
func (s *OrderBookSnapshot) SortedAsks() []Level {
	levels := toLevels(s.Asks)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price.LessThan(levels[j].Price) })
	return levels
}

// SortedBids returns bids in descending price order.
func (s *OrderBookSnapshot) SortedBids() []Level {
	levels := toLevels(s.Bids)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price.GreaterThan(levels[j].Price) })
	return levels
}

// BestAsk returns the lowest ask.
func (s *OrderBookSnapshot) BestAsk() (Level, bool) {
	return bestOf(s.Asks, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
}

// BestBid returns the highest bid.
func (s *OrderBookSnapshot) BestBid() (Level, bool) {
	return bestOf(s.Bids, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
}

// Quote derives the top of book. ok is false while either side is empty.
func (s *OrderBookSnapshot) Quote() (Quote, bool) {
	bid, okBid := s.BestBid()
	ask, okAsk := s.BestAsk()
	if !okBid || !okAsk {
		return Quote{}, false
	}
	return Quote{
		Symbol:    s.Key.Symbol,
		Market:    s.Key.Market,
		BestBid:   bid.Price,
		BestAsk:   ask.Price,
		Mid:       bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)),
		Timestamp: s.UpdatedAt,
	}, true
}

func toLevels(side map[string]PriceLevel) []Level {
	levels := make([]Level, 0, len(side))
	for p, lvl := range side {
		price, err := decimal.NewFromString(p)
		if err != nil {
			continue
		}
		levels = append(levels, Level{Price: price, PriceLevel: lvl})
	}
	return levels
}

func bestOf(side map[string]PriceLevel, better func(a, b decimal.Decimal) bool) (Level, bool) {
	var best Level
	found := false
	for p, lvl := range side {
		price, err := decimal.NewFromString(p)
		if err != nil {
			continue
		}
		if !found || better(price, best.Price) {
			best = Level{Price: price, PriceLevel: lvl}
			found = true
		}
	}
	return best, found
}

// Quote is the top of one book.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Market    MarketType      `json:"market"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	Mid       decimal.Decimal `json:"mid"`
	Timestamp time.Time       `json:"timestamp"`
}

// Spread returns BestAsk - BestBid.
func (q Quote) Spread() decimal.Decimal {
	return q.BestAsk.Sub(q.BestBid)
}

// SpreadBps returns the spread in basis points of the mid, or zero when mid is zero.
func (q Quote) SpreadBps() decimal.Decimal {
	if q.Mid.IsZero() {
		return decimal.Zero
	}
	return q.Spread().Div(q.Mid).Mul(decimal.NewFromInt(10000))
}
