package okx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"crypto_sync/internal/domain"
	"crypto_sync/internal/infra/ws"

	"golang.org/x/sync/errgroup"
)

// requestSender is the part of ConnectionManager the registry needs.
type requestSender interface {
	SendRequest(ctx context.Context, op string, args ...channelArg) error
	OnStateChange(h func(ws.StateChange)) (unregister func())
}

// Registry tracks the channel subscriptions of one connection and replays
// them whenever the connection comes back.
type Registry struct {
	sender requestSender
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	subs map[string]domain.Subscription

	unregister func()
}

// NewRegistry creates a registry bound to sender.
func NewRegistry(sender requestSender, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sender: sender,
		logger: logger.With("module", "okx_registry"),
		now:    time.Now,
		subs:   make(map[string]domain.Subscription),
	}
	r.unregister = sender.OnStateChange(r.handleState)
	return r
}

// Subscribe sends a subscribe request unless channel:symbol is already
// tracked. The entry is recorded only after a successful send.
func (r *Registry) Subscribe(ctx context.Context, channel, symbol string) error {
	key := domain.SubscriptionKey(channel, symbol)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[key]; ok {
		return nil
	}
	if err := r.sender.SendRequest(ctx, "subscribe", channelArg{Channel: channel, InstID: symbol}); err != nil {
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	r.subs[key] = domain.Subscription{Channel: channel, Symbol: symbol, SubscribedAt: r.now()}
	return nil
}

// Unsubscribe drops the entry and sends the unsubscribe request. It returns
// false without sending when nothing was tracked.
func (r *Registry) Unsubscribe(ctx context.Context, channel, symbol string) (bool, error) {
	key := domain.SubscriptionKey(channel, symbol)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[key]; !ok {
		return false, nil
	}
	delete(r.subs, key)
	if err := r.sender.SendRequest(ctx, "unsubscribe", channelArg{Channel: channel, InstID: symbol}); err != nil {
		return true, fmt.Errorf("unsubscribe %s: %w", key, err)
	}
	return true, nil
}

// Refresh sends unsubscribe then subscribe for a tracked entry so the
// exchange pushes a fresh snapshot. The entry stays tracked even when a send
// fails, so the next reconnect replays it. It returns false without sending
// when nothing was tracked.
func (r *Registry) Refresh(ctx context.Context, channel, symbol string) (bool, error) {
	key := domain.SubscriptionKey(channel, symbol)
	arg := channelArg{Channel: channel, InstID: symbol}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[key]
	if !ok {
		return false, nil
	}

	var errs []error
	if err := r.sender.SendRequest(ctx, "unsubscribe", arg); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe %s: %w", key, err))
	}
	if err := r.sender.SendRequest(ctx, "subscribe", arg); err != nil {
		errs = append(errs, fmt.Errorf("subscribe %s: %w", key, err))
	} else {
		sub.SubscribedAt = r.now()
		r.subs[key] = sub
	}
	return true, errors.Join(errs...)
}

// Tracked reports whether channel:symbol is tracked.
func (r *Registry) Tracked(channel, symbol string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[domain.SubscriptionKey(channel, symbol)]
	return ok
}

// UnsubscribeAll unsubscribes every tracked entry concurrently and waits.
func (r *Registry) UnsubscribeAll(ctx context.Context) error {
	subs := r.List()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range subs {
		g.Go(func() error {
			_, err := r.Unsubscribe(gctx, s.Channel, s.Symbol)
			return err
		})
	}
	return g.Wait()
}

// List returns the tracked subscriptions ordered by key.
func (r *Registry) List() []domain.Subscription {
	r.mu.Lock()
	out := make([]domain.Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Len returns the number of tracked subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close stops listening for reconnects.
func (r *Registry) Close() {
	if r.unregister != nil {
		r.unregister()
	}
}

func (r *Registry) handleState(sc ws.StateChange) {
	if sc.To != domain.StateConnected {
		return
	}
	r.resubscribe(context.Background())
}

// resubscribe replays every tracked entry. A failed entry is logged and the
// rest of the batch continues.
func (r *Registry) resubscribe(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.subs) == 0 {
		return
	}

	r.logger.Info("Replaying subscriptions", slog.Int("count", len(r.subs)))
	for key, s := range r.subs {
		if err := r.sender.SendRequest(ctx, "subscribe", channelArg{Channel: s.Channel, InstID: s.Symbol}); err != nil {
			r.logger.Warn("Resubscribe failed", slog.String("key", key), slog.Any("error", err))
		}
	}
}
