package ingest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/chaterr"
	"chatsync/pkg/models"
	"chatsync/pkg/presence"
	"chatsync/pkg/store"
	"chatsync/pkg/typing"
)

var (
	t0    = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	self  = models.Identity{ID: "me", Type: models.ParticipantUser}
	alice = models.Identity{ID: "alice", Type: models.ParticipantUser}
)

func TestQueue_FullAndClosed(t *testing.T) {
	q := NewQueue(2)
	require.NoError(t, q.EnqueueFunc("a", func() {}))
	require.NoError(t, q.EnqueueEvent(models.Event{Type: models.EventTypingStart}))
	assert.ErrorIs(t, q.EnqueueFunc("c", func() {}), ErrQueueFull)
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Cap())

	q.Close()
	assert.ErrorIs(t, q.EnqueueFunc("d", func() {}), ErrQueueClosed)
	assert.Equal(t, 2, q.Drain())
}

func TestQueue_RunWorkerPreservesOrder(t *testing.T) {
	q := NewQueue(16)
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, q.EnqueueFunc("step", func() { got = append(got, i) }))
	}
	done := make(chan struct{})
	last := &Op{Kind: OpIntent, Apply: func() {}, Done: done}
	require.NoError(t, q.Enqueue(last))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.RunWorker(stop, func(op *Op) error {
			op.Apply()
			return nil
		})
	}()
	<-done
	close(stop)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

type fixture struct {
	convs *store.Conversations
	pres  *presence.Tracker
	typ   *typing.Tracker
	tl    *store.Timeline
	r     *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		convs: store.NewConversations(),
		pres:  presence.NewTracker(),
		typ:   typing.NewTracker(5 * time.Second),
		tl:    store.NewTimeline("c1"),
	}
	f.convs.Upsert(models.Conversation{
		ID:           "c1",
		UpdatedAt:    t0,
		Participants: []models.Participant{{Identity: self}, {Identity: alice}},
	})
	f.r = NewReconciler(self, f.convs, f.pres, f.typ)
	f.r.now = func() time.Time { return t0 }
	f.r.Attach(f.tl)
	return f
}

func newMsg(id string, ts time.Time, sender models.Identity) *models.Message {
	return &models.Message{ID: id, Sender: sender, Body: models.TextBody{Content: id}, TS: ts}
}

func TestApply_NewCollapsesOptimistic(t *testing.T) {
	f := newFixture(t)
	f.tl.Insert(models.Message{
		ID: "k1", ConversationID: "c1", Sender: self, Body: models.TextBody{Content: "hi"},
		TS: t0.Add(time.Minute), State: models.StatePending, CorrelationKey: "k1",
	})

	echo := newMsg("srv1", t0.Add(2*time.Minute), self)
	echo.CorrelationKey = "k1"
	out, err := f.r.Apply(models.Event{Type: models.EventMessageNew, ConversationID: "c1", Message: echo})
	require.NoError(t, err)
	assert.True(t, out.Replaced)

	msgs := f.tl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv1", msgs[0].ID)
	assert.Equal(t, models.StateSent, msgs[0].State)

	c, _ := f.convs.Get("c1")
	assert.Equal(t, "srv1", c.LastMessage.ID)
	assert.Equal(t, t0.Add(2*time.Minute), c.UpdatedAt)
}

func TestApply_NewEndsTypingOfSender(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.Apply(models.Event{Type: models.EventTypingStart, ConversationID: "c1", Actor: alice})
	require.NoError(t, err)
	assert.Len(t, f.typ.Active("c1", t0), 1)

	_, err = f.r.Apply(models.Event{Type: models.EventMessageNew, ConversationID: "c1", Message: newMsg("m1", t0, alice)})
	require.NoError(t, err)
	assert.Empty(t, f.typ.Active("c1", t0))

	// own typing echoes are ignored
	_, err = f.r.Apply(models.Event{Type: models.EventTypingStart, ConversationID: "c1", Actor: self})
	require.NoError(t, err)
	assert.Empty(t, f.typ.Active("c1", t0))
}

func TestApply_EditUnknownIsGap(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.Apply(models.Event{
		Type: models.EventMessageEdited, ConversationID: "c1",
		Edit: &models.MessageEdit{MessageID: "nope", Body: models.TextBody{Content: "x"}},
	})
	assert.True(t, chaterr.Is(err, chaterr.KindReconciliationGap))

	_, err = f.r.Apply(models.Event{Type: models.EventMessageNew, ConversationID: "other", Message: newMsg("m", t0, alice)})
	assert.True(t, chaterr.Is(err, chaterr.KindReconciliationGap))
}

func TestApply_EditUpdatesBodyAndPreview(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.Apply(models.Event{Type: models.EventMessageNew, ConversationID: "c1", Message: newMsg("m1", t0.Add(time.Minute), alice)})
	require.NoError(t, err)

	_, err = f.r.Apply(models.Event{
		Type: models.EventMessageEdited, ConversationID: "c1",
		Edit: &models.MessageEdit{MessageID: "m1", Body: models.TextBody{Content: "edited"}},
	})
	require.NoError(t, err)

	m, _ := f.tl.Get("m1")
	assert.True(t, m.Edited)
	c, _ := f.convs.Get("c1")
	assert.Equal(t, "edited", c.LastMessage.Text)
	assert.Equal(t, t0.Add(time.Minute), c.UpdatedAt, "edits do not bump recency")
}

func TestApply_DeleteFallsBackPreview(t *testing.T) {
	f := newFixture(t)
	for i, id := range []string{"m1", "m2"} {
		_, err := f.r.Apply(models.Event{Type: models.EventMessageNew, ConversationID: "c1",
			Message: newMsg(id, t0.Add(time.Duration(i+1)*time.Minute), alice)})
		require.NoError(t, err)
	}

	_, err := f.r.Apply(models.Event{Type: models.EventMessageDeleted, ConversationID: "c1",
		Deletion: &models.MessageDeletion{MessageID: "m2"}})
	require.NoError(t, err)

	c, _ := f.convs.Get("c1")
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "m1", c.LastMessage.ID)

	_, err = f.r.Apply(models.Event{Type: models.EventMessageDeleted, ConversationID: "c1",
		Deletion: &models.MessageDeletion{MessageID: "m1"}})
	require.NoError(t, err)
	c, _ = f.convs.Get("c1")
	assert.Nil(t, c.LastMessage)

	_, err = f.r.Apply(models.Event{Type: models.EventMessageDeleted, ConversationID: "c1",
		Deletion: &models.MessageDeletion{MessageID: "m1"}})
	assert.True(t, chaterr.Is(err, chaterr.KindReconciliationGap))
}

func TestApply_ReceiptCollapse(t *testing.T) {
	f := newFixture(t)
	_, err := f.r.Apply(models.Event{Type: models.EventMessageNew, ConversationID: "c1", Message: newMsg("m1", t0, self)})
	require.NoError(t, err)

	t1, t2 := t0.Add(time.Minute), t0.Add(2*time.Minute)
	read := func(at time.Time) models.Event {
		return models.Event{Type: models.EventMessageRead, ConversationID: "c1",
			Receipt: &models.ReceiptUpdate{MessageID: "m1", Receipt: models.ReadReceipt{Reader: alice, ReadAt: at}}}
	}

	out, err := f.r.Apply(read(t2))
	require.NoError(t, err)
	assert.True(t, out.Changed)
	out, err = f.r.Apply(read(t1))
	require.NoError(t, err)
	assert.False(t, out.Changed)

	m, _ := f.tl.Get("m1")
	require.Len(t, m.Receipts, 1)
	assert.Equal(t, t2, m.Receipts[0].ReadAt)
}

func TestApply_PresenceFeedsBothSides(t *testing.T) {
	f := newFixture(t)
	before := f.convs.List()

	_, err := f.r.Apply(models.Event{Type: models.EventPresenceOnline, Actor: alice})
	require.NoError(t, err)

	assert.True(t, f.pres.IsOnline(alice))
	v, _ := f.convs.View("c1")
	assert.True(t, v.Members[1].Online)
	assert.Equal(t, before[0].UpdatedAt, v.UpdatedAt)

	_, err = f.r.Apply(models.Event{Type: "sticker:new", ConversationID: "c1"})
	assert.True(t, chaterr.Is(err, chaterr.KindValidation))
}

func TestApply_DetachedTimelineOnlyTouchesPreview(t *testing.T) {
	f := newFixture(t)
	f.r.Detach("c1")

	_, err := f.r.Apply(models.Event{Type: models.EventMessageNew, ConversationID: "c1", Message: newMsg("m1", t0.Add(time.Hour), alice)})
	require.NoError(t, err)
	assert.Equal(t, 0, f.tl.Len())

	c, _ := f.convs.Get("c1")
	assert.Equal(t, "m1", c.LastMessage.ID)
}
