package okx

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []string // "op channel:symbol"
	failOn map[string]bool
	states listeners[ws.StateChange]
}

func newFakeSender() *fakeSender {
	return &fakeSender{failOn: make(map[string]bool)}
}

func (s *fakeSender) SendRequest(ctx context.Context, op string, args ...channelArg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range args {
		entry := op + " " + domain.SubscriptionKey(a.Channel, a.InstID)
		if s.failOn[entry] {
			return errors.New("send failed")
		}
		s.sent = append(s.sent, entry)
	}
	return nil
}

func (s *fakeSender) OnStateChange(h func(ws.StateChange)) func() { return s.states.add(h) }

func (s *fakeSender) fail(entry string, on bool) {
	s.mu.Lock()
	s.failOn[entry] = on
	s.mu.Unlock()
}

func (s *fakeSender) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	sort.Strings(out)
	return out
}

func (s *fakeSender) reconnect() {
	s.states.emit(ws.StateChange{From: domain.StateConnected, To: domain.StateDisconnected})
	s.states.emit(ws.StateChange{From: domain.StateDisconnected, To: domain.StateConnecting})
	s.states.emit(ws.StateChange{From: domain.StateConnecting, To: domain.StateConnected})
}

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	s := newFakeSender()
	r := NewRegistry(s, nil)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, "books", "BTC-USDT"))
	require.NoError(t, r.Subscribe(ctx, "books", "BTC-USDT"))

	assert.Equal(t, []string{"subscribe books:BTC-USDT"}, s.take())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SubscribeFailureNotRecorded(t *testing.T) {
	s := newFakeSender()
	r := NewRegistry(s, nil)
	s.fail("subscribe books:BTC-USDT", true)

	err := r.Subscribe(context.Background(), "books", "BTC-USDT")

	assert.Error(t, err)
	assert.Zero(t, r.Len())
}

func TestRegistry_Unsubscribe(t *testing.T) {
	s := newFakeSender()
	r := NewRegistry(s, nil)
	ctx := context.Background()

	removed, err := r.Unsubscribe(ctx, "books", "BTC-USDT")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Empty(t, s.take(), "absent entry must not send")

	require.NoError(t, r.Subscribe(ctx, "books", "BTC-USDT"))
	s.take()

	removed, err = r.Unsubscribe(ctx, "books", "BTC-USDT")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []string{"unsubscribe books:BTC-USDT"}, s.take())
	assert.Zero(t, r.Len())
}

func TestRegistry_UnsubscribeRemovesEvenIfSendFails(t *testing.T) {
	s := newFakeSender()
	r := NewRegistry(s, nil)
	ctx := context.Background()
	require.NoError(t, r.Subscribe(ctx, "books", "BTC-USDT"))
	s.fail("unsubscribe books:BTC-USDT", true)

	removed, err := r.Unsubscribe(ctx, "books", "BTC-USDT")

	assert.True(t, removed)
	assert.Error(t, err)
	assert.Zero(t, r.Len())
}

func TestRegistry_Refresh(t *testing.T) {
	s := newFakeSender()
	r := NewRegistry(s, nil)
	ctx := context.Background()
	require.NoError(t, r.Subscribe(ctx, "books", "BTC-USDT"))
	s.take()

	tracked, err := r.Refresh(ctx, "books", "BTC-USDT")

	require.NoError(t, err)
	assert.True(t, tracked)
	assert.Equal(t, []string{"subscribe books:BTC-USDT", "unsubscribe books:BTC-USDT"}, s.take())
	assert.True(t, r.Tracked("books", "BTC-USDT"))

	tracked, err = r.Refresh(ctx, "books", "ETH-USDT")
	require.NoError(t, err)
	assert.False(t, tracked)
	assert.Empty(t, s.take())
}

func TestRegistry_RefreshKeepsEntryWhenSendsFail(t *testing.T) {
	s := newFakeSender()
	r := NewRegistry(s, nil)
	ctx := context.Background()
	require.NoError(t, r.Subscribe(ctx, "books", "BTC-USDT"))
	s.take()
	s.fail("unsubscribe books:BTC-USDT", true)
	s.fail("subscribe books:BTC-USDT", true)

	tracked, err := r.Refresh(ctx, "books", "BTC-USDT")

	assert.True(t, tracked)
	assert.Error(t, err)
	assert.True(t, r.Tracked("books", "BTC-USDT"))

	// The next session replays it.
	s.fail("subscribe books:BTC-USDT", false)
	s.reconnect()
	assert.Equal(t, []string{"subscribe books:BTC-USDT"}, s.take())
}

func TestRegistry_UnsubscribeAll(t *testing.T) {
	s := newFakeSender()
	r := NewRegistry(s, nil)
	ctx := context.Background()
	for _, sym := range []string{"BTC-USDT", "ETH-USDT", "SOL-USDT"} {
		require.NoError(t, r.Subscribe(ctx, "books", sym))
	}
	s.take()

	require.NoError(t, r.UnsubscribeAll(ctx))

	assert.Equal(t, []string{
		"unsubscribe books:BTC-USDT",
		"unsubscribe books:ETH-USDT",
		"unsubscribe books:SOL-USDT",
	}, s.take())
	assert.Zero(t, r.Len())
}

func TestRegistry_ResubscribesOnReconnect(t *testing.T) {
	s := newFakeSender()
	r := NewRegistry(s, nil)
	ctx := context.Background()
	require.NoError(t, r.Subscribe(ctx, "books", "BTC-USDT"))
	require.NoError(t, r.Subscribe(ctx, "books", "ETH-USDT"))
	s.take()

	s.reconnect()

	assert.Equal(t, []string{"subscribe books:BTC-USDT", "subscribe books:ETH-USDT"}, s.take())
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_ResubscribeContinuesPastFailure(t *testing.T) {
	s := newFakeSender()
	r := NewRegistry(s, nil)
	ctx := context.Background()
	require.NoError(t, r.Subscribe(ctx, "books", "BTC-USDT"))
	require.NoError(t, r.Subscribe(ctx, "books", "ETH-USDT"))
	s.take()
	s.fail("subscribe books:BTC-USDT", true)

	s.reconnect()

	assert.Equal(t, []string{"subscribe books:ETH-USDT"}, s.take())
	assert.Equal(t, 2, r.Len(), "failed replay keeps the entry tracked")
}

func TestRegistry_NoReplayWhenEmptyOrClosed(t *testing.T) {
	s := newFakeSender()
	r := NewRegistry(s, nil)

	s.reconnect()
	assert.Empty(t, s.take())

	require.NoError(t, r.Subscribe(context.Background(), "books", "BTC-USDT"))
	s.take()
	r.Close()

	s.reconnect()
	assert.Empty(t, s.take())
}

func TestRegistry_ConcurrentSubscribe(t *testing.T) {
	s := newFakeSender()
	r := NewRegistry(s, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Subscribe(ctx, "books", "BTC-USDT")
		}()
	}
	wg.Wait()

	assert.Len(t, s.take(), 1)
	assert.Equal(t, 1, r.Len())
}
