package events

// recentSet is a fixed-capacity set of recently seen identities with FIFO
// eviction. Repeated progress lines arrive in tight succession, so a small
// window suppresses them without growing for the life of a watch session.
type recentSet struct {
	capacity int
	order    []string
	head     int
	members  map[string]struct{}
}

func newRecentSet(capacity int) *recentSet {
	if capacity <= 0 {
		capacity = 100
	}
	return &recentSet{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		members:  make(map[string]struct{}, capacity),
	}
}

// Seen reports whether identity is in the window and records it when new.
// Recording a new identity past capacity evicts the oldest inserted one.
func (r *recentSet) Seen(identity string) bool {
	if _, ok := r.members[identity]; ok {
		return true
	}
	if len(r.order) < r.capacity {
		r.order = append(r.order, identity)
	} else {
		delete(r.members, r.order[r.head])
		r.order[r.head] = identity
		r.head = (r.head + 1) % r.capacity
	}
	r.members[identity] = struct{}{}
	return false
}

// Reset empties the window.
func (r *recentSet) Reset() {
	r.order = r.order[:0]
	r.head = 0
	r.members = make(map[string]struct{}, r.capacity)
}
