// Package typing keeps the per-conversation set of participants currently
// typing. Entries carry a deadline and disappear when it passes without a
// refresh, so a lost typing:stop cannot leave a stuck indicator.
package typing

import (
	"sort"
	"sync"
	"time"

	"chatsync/pkg/models"
)

// DefaultTimeout is how long a typing:start stays live without a refresh.
const DefaultTimeout = 6 * time.Second

type Tracker struct {
	mu      sync.Mutex
	timeout time.Duration
	convs   map[string]map[models.Identity]time.Time
}

func NewTracker(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		timeout: timeout,
		convs:   make(map[string]map[models.Identity]time.Time),
	}
}

func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Start adds or refreshes who in conversationID.
func (t *Tracker) Start(conversationID string, who models.Identity, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.convs[conversationID]
	if !ok {
		set = make(map[models.Identity]time.Time)
		t.convs[conversationID] = set
	}
	set[who] = now.Add(t.timeout)
}

// Stop removes who and reports whether it was present.
func (t *Tracker) Stop(conversationID string, who models.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.convs[conversationID]
	if !ok {
		return false
	}
	if _, ok := set[who]; !ok {
		return false
	}
	delete(set, who)
	if len(set) == 0 {
		delete(t.convs, conversationID)
	}
	return true
}

// Active returns the identities still typing at now, in a stable order.
// Expired entries are not returned even before Sweep removes them.
func (t *Tracker) Active(conversationID string, now time.Time) []models.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.Identity
	for who, deadline := range t.convs[conversationID] {
		if now.Before(deadline) {
			out = append(out, who)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Sweep drops every expired entry and returns how many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for conv, set := range t.convs {
		for who, deadline := range set {
			if !now.Before(deadline) {
				delete(set, who)
				n++
			}
		}
		if len(set) == 0 {
			delete(t.convs, conv)
		}
	}
	return n
}

// NextDeadline returns the earliest pending expiry, used to arm the sweep
// timer.
func (t *Tracker) NextDeadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var next time.Time
	for _, set := range t.convs {
		for _, deadline := range set {
			if next.IsZero() || deadline.Before(next) {
				next = deadline
			}
		}
	}
	return next, !next.IsZero()
}

// ClearConversation forgets every entry of conversationID.
func (t *Tracker) ClearConversation(conversationID string) {
	t.mu.Lock()
	delete(t.convs, conversationID)
	t.mu.Unlock()
}
