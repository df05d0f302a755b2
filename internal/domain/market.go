package domain

import "time"

// MarketType identifies the exchange connection a worker needs (e.g. "Okx").
type MarketType string

const (
	MarketOkx     MarketType = "Okx"
	MarketOkxDemo MarketType = "OkxDemo"
)

// ConnectionState is the lifecycle state of a socket session.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// ChannelKind selects one of the exchange's WebSocket endpoints.
type ChannelKind int

const (
	ChannelPublic ChannelKind = iota
	ChannelPrivate
	ChannelBusiness
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelPublic:
		return "public"
	case ChannelPrivate:
		return "private"
	case ChannelBusiness:
		return "business"
	default:
		return "unknown"
	}
}

// Subscription is one tracked channel+symbol pair of a connection.
type Subscription struct {
	Channel      string    `json:"channel"`
	Symbol       string    `json:"symbol"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// Key returns the registry key "channel:symbol".
func (s Subscription) Key() string {
	return SubscriptionKey(s.Channel, s.Symbol)
}

// SubscriptionKey builds the registry key for a channel and symbol.
func SubscriptionKey(channel, symbol string) string {
	return channel + ":" + symbol
}
