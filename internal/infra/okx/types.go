package okx

import (
	"crypto_sync/internal/domain"
)

const (
	prodHost = "wss://ws.okx.com:8443/ws/v5/"
	demoHost = "wss://wspap.okx.com:8443/ws/v5/"

	pingFrame = "ping"
	pongFrame = "pong"

	DefaultChannel = "books"
)

// Endpoints overrides the default URL per channel kind; empty fields use the defaults.
type Endpoints struct {
	Public   string
	Private  string
	Business string
}

// ResolveURL returns the endpoint for kind in the selected environment.
func (e Endpoints) ResolveURL(kind domain.ChannelKind, demo bool) string {
	switch kind {
	case domain.ChannelPrivate:
		if e.Private != "" {
			return e.Private
		}
	case domain.ChannelBusiness:
		if e.Business != "" {
			return e.Business
		}
	default:
		if e.Public != "" {
			return e.Public
		}
	}
	host := prodHost
	if demo {
		host = demoHost
	}
	return host + kind.String()
}

// opRequest is the envelope for login/subscribe/unsubscribe.
type opRequest[T any] struct {
	Op   string `json:"op"`
	Args []T    `json:"args"`
}

type loginArg struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

// channelArg identifies a channel subscription on the wire.
type channelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// eventMessage covers login/subscribe/unsubscribe/error events and
// pushed data; which fields are set depends on the message.
type eventMessage struct {
	Event  string     `json:"event"`
	Code   string     `json:"code"`
	Msg    string     `json:"msg"`
	ConnID string     `json:"connId"`
	Arg    channelArg `json:"arg"`
	Action string     `json:"action"`
	Data   []bookData `json:"data"`
}

type bookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	Ts        string     `json:"ts"`
	Checksum  int64      `json:"checksum"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}
