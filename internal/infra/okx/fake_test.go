package okx

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra/ws"
)

// fakeTransport stands in for ws.Client. Messages are delivered
// synchronously on the caller's goroutine.
type fakeTransport struct {
	mu         sync.Mutex
	state      domain.ConnectionState
	url        string
	sent       [][]byte
	connectErr error
	sendErr    error
	reasons    []string

	// connectGate, when set, holds Connect until closed. The dial context
	// is ignored, like a handshake that completes as it is cancelled.
	connectGate chan struct{}

	// loginCode answers login requests when non-empty.
	loginCode string

	connects atomic.Int32

	msgs   listeners[ws.Message]
	states listeners[ws.StateChange]
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{loginCode: "0"}
}

func (f *fakeTransport) Connect(ctx context.Context, uri string) error {
	f.connects.Add(1)
	f.mu.Lock()
	gate := f.connectGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	if f.state != domain.StateDisconnected {
		f.mu.Unlock()
		return domain.ErrAlreadyConnected
	}
	f.state = domain.StateConnected
	f.url = uri
	f.mu.Unlock()

	f.states.emit(ws.StateChange{From: domain.StateDisconnected, To: domain.StateConnected})
	return nil
}

func (f *fakeTransport) Disconnect(reason string) error {
	f.mu.Lock()
	if f.state == domain.StateDisconnected {
		f.mu.Unlock()
		return nil
	}
	f.state = domain.StateDisconnected
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()

	f.states.emit(ws.StateChange{From: domain.StateConnected, To: domain.StateClosing, Reason: reason})
	f.states.emit(ws.StateChange{From: domain.StateClosing, To: domain.StateDisconnected, Reason: reason})
	return nil
}

func (f *fakeTransport) failSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// drop simulates the peer going away.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.state = domain.StateDisconnected
	f.mu.Unlock()
	f.states.emit(ws.StateChange{From: domain.StateConnected, To: domain.StateDisconnected, Reason: "eof"})
}

func (f *fakeTransport) Send(msgType ws.MessageType, payload []byte) error {
	f.mu.Lock()
	if f.state != domain.StateConnected {
		f.mu.Unlock()
		return domain.ErrNotConnected
	}
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	code := f.loginCode
	f.mu.Unlock()

	var req struct {
		Op string `json:"op"`
	}
	if json.Unmarshal(payload, &req) == nil && req.Op == "login" && code != "" {
		f.deliver(`{"event":"login","code":"` + code + `","msg":"","connId":"c1"}`)
	}
	return nil
}

func (f *fakeTransport) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) OnMessage(h func(ws.Message)) func() { return f.msgs.add(h) }

func (f *fakeTransport) OnStateChange(h func(ws.StateChange)) func() { return f.states.add(h) }

func (f *fakeTransport) deliver(text string) {
	f.msgs.emit(ws.Message{Type: ws.TextMessage, Data: []byte(text)})
}

func (f *fakeTransport) deliverBinary(data []byte) {
	f.msgs.emit(ws.Message{Type: ws.BinaryMessage, Data: data})
}

type sentRequest struct {
	Op   string            `json:"op"`
	Args []json.RawMessage `json:"args"`
}

// requests returns every sent op request, skipping heartbeat frames.
func (f *fakeTransport) requests(op string) []channelArg {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []channelArg
	for _, raw := range f.sent {
		var req sentRequest
		if json.Unmarshal(raw, &req) != nil || req.Op != op {
			continue
		}
		for _, a := range req.Args {
			var arg channelArg
			if json.Unmarshal(a, &arg) == nil {
				out = append(out, arg)
			}
		}
	}
	return out
}

func (f *fakeTransport) countOp(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, raw := range f.sent {
		var req sentRequest
		if json.Unmarshal(raw, &req) == nil && req.Op == op {
			n++
		}
	}
	return n
}

func (f *fakeTransport) sentText(text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, raw := range f.sent {
		if string(raw) == text {
			return true
		}
	}
	return false
}

func (f *fakeTransport) disconnectReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}
