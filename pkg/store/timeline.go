package store

import (
	"sort"
	"time"

	"chatsync/pkg/models"
)

// Timeline is the ordered in-memory message list of one conversation.
// Messages are kept sorted by models.Less and indexed by ID and by
// correlation key, so optimistic entries can be found again when the server
// copy arrives under a different ID.
//
// A Timeline is not safe for concurrent use; the engine loop is its only
// writer.
type Timeline struct {
	conversationID string
	msgs           []*models.Message
	byID           map[string]*models.Message
	byKey          map[string]*models.Message
	hasMore        bool
	loaded         bool
}

func NewTimeline(conversationID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		byID:           make(map[string]*models.Message),
		byKey:          make(map[string]*models.Message),
		hasMore:        true,
	}
}

func (t *Timeline) ConversationID() string { return t.conversationID }

func (t *Timeline) Len() int { return len(t.msgs) }

// HasMore reports whether older history may still exist on the server.
func (t *Timeline) HasMore() bool { return t.hasMore }

func (t *Timeline) SetHasMore(v bool) { t.hasMore = v }

// Loaded reports whether at least one history page has been merged.
func (t *Timeline) Loaded() bool { return t.loaded }

func (t *Timeline) MarkLoaded() { t.loaded = true }

// Messages returns a copy of the ordered list.
func (t *Timeline) Messages() []models.Message {
	out := make([]models.Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Get resolves id as a message ID first and as a correlation key second.
// A miss is normal for reply targets that were never loaded.
func (t *Timeline) Get(id string) (models.Message, bool) {
	if m := t.lookup(id); m != nil {
		return m.Clone(), true
	}
	return models.Message{}, false
}

func (t *Timeline) lookup(id string) *models.Message {
	if m, ok := t.byID[id]; ok {
		return m
	}
	if m, ok := t.byKey[id]; ok {
		return m
	}
	return nil
}

// Oldest returns the first message in order.
func (t *Timeline) Oldest() (models.Message, bool) {
	if len(t.msgs) == 0 {
		return models.Message{}, false
	}
	return t.msgs[0].Clone(), true
}

// Newest returns the last message in order.
func (t *Timeline) Newest() (models.Message, bool) {
	if len(t.msgs) == 0 {
		return models.Message{}, false
	}
	return t.msgs[len(t.msgs)-1].Clone(), true
}

// OldestConfirmed returns the oldest message the server knows about. Pending
// and failed local messages cannot anchor a history cursor.
func (t *Timeline) OldestConfirmed() (models.Message, bool) {
	for _, m := range t.msgs {
		if m.State == models.StateSent {
			return m.Clone(), true
		}
	}
	return models.Message{}, false
}

// IndexOf returns the position of id in the ordered list, or -1.
func (t *Timeline) IndexOf(id string) int {
	m := t.lookup(id)
	if m == nil {
		return -1
	}
	return t.position(m)
}

func (t *Timeline) position(m *models.Message) int {
	i := t.searchFor(*m)
	if i < len(t.msgs) && t.msgs[i] == m {
		return i
	}
	// fall back to a scan if ordering keys were mutated in place
	for j, cur := range t.msgs {
		if cur == m {
			return j
		}
	}
	return -1
}

func (t *Timeline) searchFor(m models.Message) int {
	return sort.Search(len(t.msgs), func(i int) bool {
		return !models.Less(*t.msgs[i], m)
	})
}

// Merge folds a batch of messages into the list by identity. Duplicates
// (same ID, or same correlation key as a local entry) are merged rather than
// inserted twice, so merging the same page again is a no-op. It returns the
// number of newly inserted messages.
func (t *Timeline) Merge(msgs []models.Message) int {
	added := 0
	for _, m := range msgs {
		if m.ConversationID != "" && m.ConversationID != t.conversationID {
			continue
		}
		if cur, ok := t.byID[m.ID]; ok {
			mergeInto(cur, m)
			continue
		}
		if m.CorrelationKey != "" {
			if _, ok := t.byKey[m.CorrelationKey]; ok {
				t.Reconcile(m)
				continue
			}
		}
		t.insert(m)
		added++
	}
	return added
}

// Insert places m in sorted position. It returns false when a message with
// the same ID is already present.
func (t *Timeline) Insert(m models.Message) bool {
	if _, ok := t.byID[m.ID]; ok {
		return false
	}
	t.insert(m)
	return true
}

func (t *Timeline) insert(m models.Message) {
	cp := m.Clone()
	if cp.ConversationID == "" {
		cp.ConversationID = t.conversationID
	}
	p := &cp
	i := t.searchFor(cp)
	t.msgs = append(t.msgs, nil)
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = p
	t.byID[cp.ID] = p
	if cp.CorrelationKey != "" {
		t.byKey[cp.CorrelationKey] = p
	}
}

// Reconcile applies a server copy of a message. If a local entry carries the
// same correlation key it is replaced in place: it takes the server ID,
// timestamp and content, moves to the position its timestamp dictates and
// becomes sent. Otherwise the message is merged or inserted. The returned
// flag reports whether a local entry was replaced.
func (t *Timeline) Reconcile(m models.Message) bool {
	var local *models.Message
	if m.CorrelationKey != "" {
		local = t.byKey[m.CorrelationKey]
	}
	if local == nil {
		if cur, ok := t.byID[m.ID]; ok {
			mergeInto(cur, m)
			return false
		}
		t.insert(m)
		return false
	}

	if dup, ok := t.byID[m.ID]; ok && dup != local {
		// the server copy already landed through another path
		t.removeEntry(dup)
	}
	t.removeEntry(local)

	next := m.Clone()
	next.State = models.StateSent
	next.Receipts = local.Receipts
	for _, r := range m.Receipts {
		next.Receipts, _ = models.WithReceipt(next.Receipts, r)
	}
	if next.ReplyTo == nil {
		next.ReplyTo = local.ReplyTo
	}
	if next.Body == nil {
		next.Body = local.Body
	}
	t.insert(next)
	return true
}

// Edit replaces the body of a loaded message and flags it edited.
func (t *Timeline) Edit(id string, body models.Body) bool {
	m := t.lookup(id)
	if m == nil || body == nil {
		return false
	}
	m.Body = body
	m.Edited = true
	return true
}

// Remove deletes a message by ID or correlation key.
func (t *Timeline) Remove(id string) (models.Message, bool) {
	m := t.lookup(id)
	if m == nil {
		return models.Message{}, false
	}
	out := m.Clone()
	t.removeEntry(m)
	return out, true
}

func (t *Timeline) removeEntry(m *models.Message) {
	if i := t.position(m); i >= 0 {
		t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
	}
	if t.byID[m.ID] == m {
		delete(t.byID, m.ID)
	}
	if m.CorrelationKey != "" && t.byKey[m.CorrelationKey] == m {
		delete(t.byKey, m.CorrelationKey)
	}
}

// ApplyReceipt stores r on the message, collapsing to one receipt per
// reader with the latest ReadAt. It returns false for unknown messages and
// for receipts older than the stored one.
func (t *Timeline) ApplyReceipt(id string, r models.ReadReceipt) bool {
	m := t.lookup(id)
	if m == nil {
		return false
	}
	var changed bool
	m.Receipts, changed = models.WithReceipt(m.Receipts, r)
	return changed
}

// SetState updates the delivery state of a local message.
func (t *Timeline) SetState(id string, state models.DeliveryState) bool {
	m := t.lookup(id)
	if m == nil {
		return false
	}
	m.State = state
	return true
}

// Restamp moves a local message to a new timestamp, used when a failed
// message is resent and should sort as the newest again.
func (t *Timeline) Restamp(id string, ts time.Time) bool {
	m := t.lookup(id)
	if m == nil {
		return false
	}
	cp := m.Clone()
	t.removeEntry(m)
	cp.TS = ts
	t.insert(cp)
	return true
}

// Pending returns local messages that are not yet confirmed.
func (t *Timeline) Pending() []models.Message {
	var out []models.Message
	for _, m := range t.msgs {
		if m.State != models.StateSent {
			out = append(out, m.Clone())
		}
	}
	return out
}

func mergeInto(cur *models.Message, in models.Message) {
	if in.Edited && in.Body != nil {
		cur.Body = in.Body
		cur.Edited = true
	}
	for _, r := range in.Receipts {
		cur.Receipts, _ = models.WithReceipt(cur.Receipts, r)
	}
	if cur.State != models.StateSent && in.State == models.StateSent {
		cur.State = models.StateSent
	}
	if cur.ReplyTo == nil && in.ReplyTo != nil {
		r := *in.ReplyTo
		cur.ReplyTo = &r
	}
	if in.Forwarded {
		cur.Forwarded = true
	}
	if cur.CorrelationKey == "" && in.CorrelationKey != "" {
		cur.CorrelationKey = in.CorrelationKey
	}
}
