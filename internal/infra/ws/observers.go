package ws

import "sync"

// observers holds registered handlers per notification kind.
// Handlers run synchronously on the notifying goroutine, outside any client lock.
type observers struct {
	mu      sync.RWMutex
	nextID  uint64
	message map[uint64]func(Message)
	errs    map[uint64]func(error)
	state   map[uint64]func(StateChange)
}

func (o *observers) addMessage(h func(Message)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.message == nil {
		o.message = make(map[uint64]func(Message))
	}
	o.nextID++
	id := o.nextID
	o.message[id] = h
	return func() {
		o.mu.Lock()
		delete(o.message, id)
		o.mu.Unlock()
	}
}

func (o *observers) addError(h func(error)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.errs == nil {
		o.errs = make(map[uint64]func(error))
	}
	o.nextID++
	id := o.nextID
	o.errs[id] = h
	return func() {
		o.mu.Lock()
		delete(o.errs, id)
		o.mu.Unlock()
	}
}

func (o *observers) addState(h func(StateChange)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil {
		o.state = make(map[uint64]func(StateChange))
	}
	o.nextID++
	id := o.nextID
	o.state[id] = h
	return func() {
		o.mu.Lock()
		delete(o.state, id)
		o.mu.Unlock()
	}
}

func (o *observers) emitMessage(m Message) {
	o.mu.RLock()
	hs := make([]func(Message), 0, len(o.message))
	for _, h := range o.message {
		hs = append(hs, h)
	}
	o.mu.RUnlock()
	for _, h := range hs {
		h(m)
	}
}

func (o *observers) emitError(err error) {
	o.mu.RLock()
	hs := make([]func(error), 0, len(o.errs))
	for _, h := range o.errs {
		hs = append(hs, h)
	}
	o.mu.RUnlock()
	for _, h := range hs {
		h(err)
	}
}

func (o *observers) emitState(sc StateChange) {
	o.mu.RLock()
	hs := make([]func(StateChange), 0, len(o.state))
	for _, h := range o.state {
		hs = append(hs, h)
	}
	o.mu.RUnlock()
	for _, h := range hs {
		h(sc)
	}
}
