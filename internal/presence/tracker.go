// Package presence derives online/offline state from the set of live
// connections each user holds.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Transition is emitted when a user's first connection registers or last
// connection deregisters.
type Transition struct {
	UserId   string
	Online   bool
	LastSeen time.Time
}

type Tracker struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{}
	now   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		conns: make(map[string]map[string]struct{}),
		now:   time.Now,
	}
}

// SetClock replaces the clock used to stamp LastSeen.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Register adds connId to userId's connection set. It reports a transition
// only when the set grows from empty.
func (t *Tracker) Register(userId, connId string) (Transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.conns[userId]
	if !ok {
		set = make(map[string]struct{})
		t.conns[userId] = set
	}
	if _, dup := set[connId]; dup {
		return Transition{}, false
	}

	set[connId] = struct{}{}
	if len(set) != 1 {
		return Transition{}, false
	}

	return Transition{UserId: userId, Online: true}, true
}

// Deregister removes connId. When the set empties the user goes offline and
// LastSeen is stamped. Unknown users or connections are ignored.
func (t *Tracker) Deregister(userId, connId string) (Transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.conns[userId]
	if !ok {
		return Transition{}, false
	}
	if _, ok := set[connId]; !ok {
		return Transition{}, false
	}

	delete(set, connId)
	if len(set) > 0 {
		return Transition{}, false
	}

	delete(t.conns, userId)
	return Transition{UserId: userId, Online: false, LastSeen: t.now().UTC()}, true
}

func (t *Tracker) IsOnline(userId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.conns[userId]) > 0
}

func (t *Tracker) Connections(userId string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.conns[userId])
}

// Online returns the ids of users with at least one connection, sorted.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}
