package realtime

import (
	"context"
	"sync"
)

type hubListener struct {
	deliver func(Change)
	drop    chan error
}

// Hub is an in-process Feed and Publisher for single-node deployments.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]map[*hubListener]struct{}
}

func NewHub() *Hub {
	return &Hub{listeners: map[string]map[*hubListener]struct{}{}}
}

func (h *Hub) Listen(ctx context.Context, locationID string, ready func(), deliver func(Change)) error {
	l := &hubListener{deliver: deliver, drop: make(chan error, 1)}

	h.mu.Lock()
	if h.listeners[locationID] == nil {
		h.listeners[locationID] = map[*hubListener]struct{}{}
	}
	h.listeners[locationID][l] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.listeners[locationID], l)
		if len(h.listeners[locationID]) == 0 {
			delete(h.listeners, locationID)
		}
		h.mu.Unlock()
	}()

	ready()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-l.drop:
		return err
	}
}

func (h *Hub) PublishChange(_ context.Context, change Change) error {
	h.mu.Lock()
	targets := make([]*hubListener, 0, len(h.listeners[change.LocationID]))
	for l := range h.listeners[change.LocationID] {
		targets = append(targets, l)
	}
	h.mu.Unlock()

	for _, l := range targets {
		l.deliver(change)
	}
	return nil
}

// Drop severs every open link for a location with err and reports how many
// links were affected.
func (h *Hub) Drop(locationID string, err error) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	dropped := 0
	for l := range h.listeners[locationID] {
		select {
		case l.drop <- err:
			dropped++
		default:
		}
	}
	return dropped
}

// Listeners reports the number of open links for a location.
func (h *Hub) Listeners(locationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners[locationID])
}
