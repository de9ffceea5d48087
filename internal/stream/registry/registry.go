// Package registry implements the Subscription Registry: the authoritative,
// reference-counted set of topics a Connection Supervisor must keep active
// across reconnects (spec invariant: the registry, not command history, is
// the source of truth for what must be resubscribed after a reconnect).
package registry

import "sync"

// Topic is an opaque, exchange-specific subscription key (e.g.
// "btcusdt@aggTrade"). Equality is byte-exact Go string equality.
type Topic string

// Registry is a reference-counted set of topics. Insertion order is
// preserved only to make restoration deterministic across reconnects; it is
// not a semantic guarantee a caller may depend on.
type Registry struct {
	mu     sync.Mutex
	counts map[Topic]int
	order  []Topic
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{counts: make(map[Topic]int)}
}

// AddTopics increments the reference count for each topic and returns the
// subset whose count transitioned 0->1 (the new-to-wire set). Duplicate
// entries within topics are coalesced: a topic appearing twice in one call
// still only transitions once.
func (r *Registry) AddTopics(topics []Topic) []Topic {
	if len(topics) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[Topic]struct{}, len(topics))
	newToWire := make([]Topic, 0, len(topics))
	for _, t := range topics {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}

		if r.counts[t] == 0 {
			newToWire = append(newToWire, t)
			r.order = append(r.order, t)
		}
		r.counts[t]++
	}
	return newToWire
}

// RemoveTopics decrements the reference count for each topic and returns the
// subset whose count became 0 (the drop-from-wire set). Removing a topic
// that is not present, or more times than it was added, is a no-op for that
// topic.
func (r *Registry) RemoveTopics(topics []Topic) []Topic {
	if len(topics) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[Topic]struct{}, len(topics))
	dropFromWire := make([]Topic, 0, len(topics))
	for _, t := range topics {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}

		count, ok := r.counts[t]
		if !ok || count <= 0 {
			continue
		}
		count--
		if count == 0 {
			delete(r.counts, t)
			r.removeFromOrder(t)
			dropFromWire = append(dropFromWire, t)
		} else {
			r.counts[t] = count
		}
	}
	return dropFromWire
}

// Snapshot returns the currently active topics in insertion order. The
// returned slice is owned by the caller.
func (r *Registry) Snapshot() []Topic {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Topic, 0, len(r.order))
	for _, t := range r.order {
		if r.counts[t] > 0 {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of distinct active topics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.counts)
}

func (r *Registry) removeFromOrder(t Topic) {
	for i, existing := range r.order {
		if existing == t {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
