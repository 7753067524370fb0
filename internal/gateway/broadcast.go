package gateway

import (
	"sort"
	"sync"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// Consumer is one connected client.
type Consumer interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Broadcaster owns the set of connected consumers.
type Broadcaster struct {
	mu        sync.RWMutex
	consumers map[string]Consumer
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{consumers: make(map[string]Consumer)}
}

// Add registers c, replacing any consumer with the same ID.
func (b *Broadcaster) Add(c Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers[c.ID()] = c
}

// Remove drops the consumer with id. It reports whether one was present.
func (b *Broadcaster) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.consumers[id]; !ok {
		return false
	}
	delete(b.consumers, id)
	return true
}

// Len returns the number of consumers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.consumers)
}

// IDs returns the consumer IDs in sorted order.
func (b *Broadcaster) IDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.consumers))
	for id := range b.consumers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Broadcaster) snapshot() []Consumer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Broadcast sends msg to a snapshot of the consumer set in ID order.
// Consumers whose Send fails are removed and closed; the rest still receive
// msg. It returns the number of successful deliveries.
func (b *Broadcaster) Broadcast(msg []byte) int {
	var failed []Consumer
	delivered := 0
	for _, c := range b.snapshot() {
		if err := c.Send(msg); err != nil {
			monitoring.Logf("dropping consumer %s: %v", c.ID(), err)
			failed = append(failed, c)
			continue
		}
		delivered++
	}
	for _, c := range failed {
		if b.Remove(c.ID()) {
			c.Close()
		}
	}
	return delivered
}
