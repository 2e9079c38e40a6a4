package hashring

import (
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ChangeFunc is called after membership changes with the previous and the
// rebuilt ring.
type ChangeFunc func(old, next *Ring)

// Membership is the explicit set of live conductors. Members join and leave
// through explicit calls; Touch refreshes a member and Expire drops members
// not refreshed within the liveness window.
//
// Thread-safe: all methods may be called concurrently.
type Membership struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
	ring     *Ring
	opts     []Option
	window   time.Duration
	clock    clock.PassiveClock
	subs     []ChangeFunc
}

// NewMembership creates an empty membership. A zero window disables Expire.
func NewMembership(clk clock.PassiveClock, window time.Duration, opts ...Option) *Membership {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Membership{
		lastSeen: make(map[string]time.Time),
		ring:     New(nil, opts...),
		opts:     opts,
		window:   window,
		clock:    clk,
	}
}

// Subscribe registers fn to run after every ring rebuild.
func (m *Membership) Subscribe(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Join adds member and rebuilds the ring. Joining twice only refreshes it.
func (m *Membership) Join(member string) {
	m.mu.Lock()
	_, existed := m.lastSeen[member]
	m.lastSeen[member] = m.clock.Now()
	if existed {
		m.mu.Unlock()
		return
	}
	old, next, subs := m.rebuildLocked()
	m.mu.Unlock()

	notify(subs, old, next)
}

// Leave removes member and rebuilds the ring.
func (m *Membership) Leave(member string) {
	m.mu.Lock()
	if _, ok := m.lastSeen[member]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.lastSeen, member)
	old, next, subs := m.rebuildLocked()
	m.mu.Unlock()

	notify(subs, old, next)
}

// Touch refreshes member's last seen time. Unknown members are ignored.
func (m *Membership) Touch(member string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lastSeen[member]; ok {
		m.lastSeen[member] = m.clock.Now()
	}
}

// Expire removes members not seen within the liveness window and returns them.
func (m *Membership) Expire() []string {
	if m.window <= 0 {
		return nil
	}

	m.mu.Lock()
	now := m.clock.Now()
	var expired []string
	for member, seen := range m.lastSeen {
		if now.Sub(seen) > m.window {
			expired = append(expired, member)
			delete(m.lastSeen, member)
		}
	}
	if len(expired) == 0 {
		m.mu.Unlock()
		return nil
	}
	old, next, subs := m.rebuildLocked()
	m.mu.Unlock()

	slices.Sort(expired)
	notify(subs, old, next)
	return expired
}

// Members returns the sorted current members.
func (m *Membership) Members() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring.Members()
}

// IsMember reports whether member currently belongs to the ring.
func (m *Membership) IsMember(member string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.lastSeen[member]
	return ok
}

// LastSeen returns when member was last joined or touched.
func (m *Membership) LastSeen(member string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.lastSeen[member]
	return t, ok
}

// Ring returns the current snapshot.
func (m *Membership) Ring() *Ring {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring
}

func (m *Membership) rebuildLocked() (*Ring, *Ring, []ChangeFunc) {
	members := make([]string, 0, len(m.lastSeen))
	for member := range m.lastSeen {
		members = append(members, member)
	}
	old := m.ring
	m.ring = New(members, m.opts...)
	return old, m.ring, slices.Clone(m.subs)
}

func notify(subs []ChangeFunc, old, next *Ring) {
	for _, fn := range subs {
		fn(old, next)
	}
}
