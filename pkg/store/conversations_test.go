package store

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/models"
)

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func conv(id string, updated time.Time, members ...string) models.Conversation {
	c := models.Conversation{ID: id, UpdatedAt: updated}
	for _, m := range members {
		c.Participants = append(c.Participants, models.Participant{
			Identity: models.Identity{ID: m, Type: models.ParticipantUser},
		})
	}
	return c
}

func TestUpsert_RejectsOlder(t *testing.T) {
	s := NewConversations()
	require.True(t, s.Upsert(conv("c1", base.Add(time.Minute))))

	assert.False(t, s.Upsert(conv("c1", base)), "older record must be rejected")
	assert.True(t, s.Upsert(conv("c1", base.Add(time.Minute))), "equal timestamp is accepted")

	got, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), got.UpdatedAt)
	assert.False(t, s.Upsert(models.Conversation{}), "empty id")
}

func TestList_OrderAndUniquenessUnderRandomUpserts(t *testing.T) {
	s := NewConversations()
	rng := rand.New(rand.NewSource(7))
	latest := make(map[string]time.Time)

	for i := 0; i < 500; i++ {
		id := string(rune('a' + rng.Intn(12)))
		ts := base.Add(time.Duration(rng.Intn(40)) * time.Second)
		if s.Upsert(conv(id, ts)) {
			latest[id] = ts
		}
	}

	list := s.List()
	require.Len(t, list, len(latest))
	seen := make(map[string]bool)
	for _, v := range list {
		assert.False(t, seen[v.ID], "duplicate %s", v.ID)
		seen[v.ID] = true
		assert.Equal(t, latest[v.ID], v.UpdatedAt)
	}
	assert.True(t, sort.SliceIsSorted(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID < list[j].ID
	}))
}

func TestPresenceDoesNotReorder(t *testing.T) {
	s := NewConversations()
	s.Upsert(conv("c1", base.Add(2*time.Minute), "u1"))
	s.Upsert(conv("c2", base.Add(time.Minute), "u2"))

	before := s.List()
	s.ApplyParticipantPresence(models.Identity{ID: "u2", Type: models.ParticipantUser}, true)
	after := s.List()

	require.Len(t, after, 2)
	assert.Equal(t, before[0].ID, after[0].ID)
	assert.Equal(t, before[1].UpdatedAt, after[1].UpdatedAt)
	assert.True(t, after[1].Members[0].Online)
	assert.False(t, after[0].Members[0].Online)

	s.ApplyParticipantPresence(models.Identity{ID: "u2", Type: models.ParticipantUser}, false)
	v, ok := s.View("c2")
	require.True(t, ok)
	assert.False(t, v.Members[0].Online)
}

func TestTouch_MovesForwardOnly(t *testing.T) {
	s := NewConversations()
	s.Upsert(conv("c1", base))

	newer := models.MessagePreview{ID: "m2", Text: "newer", TS: base.Add(time.Minute)}
	older := models.MessagePreview{ID: "m1", Text: "older", TS: base.Add(-time.Minute)}

	require.True(t, s.Touch("c1", newer))
	require.True(t, s.Touch("c1", older))

	got, _ := s.Get("c1")
	assert.Equal(t, "m2", got.LastMessage.ID)
	assert.Equal(t, newer.TS, got.UpdatedAt)

	require.True(t, s.ReplacePreview("c1", nil))
	got, _ = s.Get("c1")
	assert.Nil(t, got.LastMessage)
	assert.Equal(t, newer.TS, got.UpdatedAt, "preview fallback keeps UpdatedAt")

	assert.False(t, s.Touch("missing", newer))
}

func TestAddParticipant(t *testing.T) {
	s := NewConversations()
	s.Upsert(conv("g1", base, "u1"))
	p := models.Participant{Identity: models.Identity{ID: "u9", Type: models.ParticipantUser}, Name: "Nine"}

	assert.True(t, s.AddParticipant("g1", p))
	assert.False(t, s.AddParticipant("g1", p), "already a member")

	got, _ := s.Get("g1")
	assert.Len(t, got.Participants, 2)
}
