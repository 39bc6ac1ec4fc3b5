package store

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/models"
)

var (
	self  = models.Identity{ID: "me", Type: models.ParticipantUser}
	other = models.Identity{ID: "u2", Type: models.ParticipantUser}
)

func msg(id string, ts time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "c1",
		Sender:         other,
		Body:           models.TextBody{Content: id},
		TS:             ts,
		State:          models.StateSent,
	}
}

func ids(tl *Timeline) []string {
	var out []string
	for _, m := range tl.Messages() {
		out = append(out, m.ID)
	}
	return out
}

func TestMerge_Idempotent(t *testing.T) {
	tl := NewTimeline("c1")
	page := []models.Message{
		msg("m3", base.Add(3*time.Minute)),
		msg("m1", base.Add(time.Minute)),
		msg("m2", base.Add(2*time.Minute)),
	}

	assert.Equal(t, 3, tl.Merge(page))
	first := tl.Messages()

	assert.Equal(t, 0, tl.Merge(page))
	if diff := cmp.Diff(first, tl.Messages()); diff != "" {
		t.Fatalf("second merge changed the list (-first +second):\n%s", diff)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(tl))
}

func TestMerge_LaterEditWins(t *testing.T) {
	tl := NewTimeline("c1")
	require.Equal(t, 1, tl.Merge([]models.Message{msg("m1", base)}))

	first := msg("m1", base)
	first.Body = models.TextBody{Content: "first edit"}
	first.Edited = true
	tl.Merge([]models.Message{first})

	second := first
	second.Body = models.TextBody{Content: "second edit"}
	tl.Merge([]models.Message{second})

	got, ok := tl.Get("m1")
	require.True(t, ok)
	assert.True(t, got.Edited)
	assert.Equal(t, "second edit", got.Body.Text())

	// an unedited copy never reverts the edit
	tl.Merge([]models.Message{msg("m1", base)})
	got, _ = tl.Get("m1")
	assert.Equal(t, "second edit", got.Body.Text())
}

func TestMerge_OlderPageKeepsOrder(t *testing.T) {
	tl := NewTimeline("c1")
	// 10:00 through 10:09, one message per minute
	var recent []models.Message
	for i := 0; i < 10; i++ {
		recent = append(recent, msg(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute)))
	}
	tl.Merge(recent)

	var older []models.Message
	for i := 1; i <= 10; i++ {
		older = append(older, msg(string(rune('A'+i)), base.Add(-time.Duration(i)*time.Minute)))
	}
	added := tl.Merge(older)

	assert.Equal(t, 10, added)
	require.Equal(t, 20, tl.Len())
	first, _ := tl.Oldest()
	assert.Equal(t, base.Add(-10*time.Minute), first.TS)
	last, _ := tl.Newest()
	assert.Equal(t, base.Add(9*time.Minute), last.TS)
	assert.Equal(t, 10, tl.IndexOf("a"), "previous oldest moves down by the page size")

	msgs := tl.Messages()
	for i := 1; i < len(msgs); i++ {
		assert.True(t, models.Less(msgs[i-1], msgs[i]), "out of order at %d", i)
	}
}

func TestReconcile_CollapsesOptimisticEcho(t *testing.T) {
	tl := NewTimeline("c1")
	tl.Merge([]models.Message{msg("m1", base), msg("m2", base.Add(2*time.Minute))})

	local := models.Message{
		ID:             "k-1",
		ConversationID: "c1",
		Sender:         self,
		Body:           models.TextBody{Content: "hello"},
		TS:             base.Add(3 * time.Minute),
		State:          models.StatePending,
		CorrelationKey: "k-1",
	}
	require.True(t, tl.Insert(local))

	echo := local
	echo.ID = "srv-9"
	echo.TS = base.Add(time.Minute)
	echo.State = models.StateSent

	assert.True(t, tl.Reconcile(echo))
	assert.Equal(t, []string{"m1", "srv-9", "m2"}, ids(tl), "server timestamp decides the position")

	got, ok := tl.Get("k-1")
	require.True(t, ok, "correlation key still resolves")
	assert.Equal(t, "srv-9", got.ID)
	assert.Equal(t, models.StateSent, got.State)

	// a late duplicate from a history page is merged, not inserted
	assert.Equal(t, 0, tl.Merge([]models.Message{echo}))
	assert.Equal(t, 3, tl.Len())
}

func TestReconcile_WithoutLocalInserts(t *testing.T) {
	tl := NewTimeline("c1")
	tl.Merge([]models.Message{msg("m1", base), msg("m3", base.Add(2*time.Minute))})

	assert.False(t, tl.Reconcile(msg("m2", base.Add(time.Minute))))
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(tl))
}

func TestApplyReceipt_LatestWinsRegardlessOfArrival(t *testing.T) {
	tl := NewTimeline("c1")
	tl.Merge([]models.Message{msg("m1", base)})
	t1, t2 := base.Add(time.Minute), base.Add(2*time.Minute)

	assert.True(t, tl.ApplyReceipt("m1", models.ReadReceipt{Reader: self, ReadAt: t2}))
	assert.False(t, tl.ApplyReceipt("m1", models.ReadReceipt{Reader: self, ReadAt: t1}))

	got, _ := tl.Get("m1")
	require.Len(t, got.Receipts, 1)
	assert.Equal(t, t2, got.Receipts[0].ReadAt)
	assert.True(t, got.IsRead())

	assert.False(t, tl.ApplyReceipt("missing", models.ReadReceipt{Reader: self, ReadAt: t1}))
}

func TestEditRemoveAndState(t *testing.T) {
	tl := NewTimeline("c1")
	tl.Merge([]models.Message{msg("m1", base), msg("m2", base.Add(time.Minute))})

	require.True(t, tl.Edit("m1", models.TextBody{Content: "fixed"}))
	got, _ := tl.Get("m1")
	assert.True(t, got.Edited)
	assert.Equal(t, "fixed", got.Body.Text())
	assert.False(t, tl.Edit("nope", models.TextBody{Content: "x"}))

	removed, ok := tl.Remove("m2")
	require.True(t, ok)
	assert.Equal(t, "m2", removed.ID)
	assert.Equal(t, -1, tl.IndexOf("m2"))

	local := models.Message{ID: "k", CorrelationKey: "k", Sender: self, TS: base.Add(time.Hour), State: models.StatePending}
	tl.Insert(local)
	require.True(t, tl.SetState("k", models.StateFailed))
	assert.Len(t, tl.Pending(), 1)

	require.True(t, tl.Restamp("k", base.Add(-time.Hour)))
	oldest, _ := tl.Oldest()
	assert.Equal(t, "k", oldest.ID)
	confirmed, ok := tl.OldestConfirmed()
	require.True(t, ok)
	assert.Equal(t, "m1", confirmed.ID)
}
