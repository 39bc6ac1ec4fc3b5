package typing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chatsync/pkg/models"
)

var (
	u1 = models.Identity{ID: "u1", Type: models.ParticipantUser}
	u2 = models.Identity{ID: "u2", Type: models.ParticipantUser}
	t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
)

func TestStartWithoutStopExpires(t *testing.T) {
	tr := NewTracker(5 * time.Second)
	tr.Start("c1", u1, t0)

	assert.Equal(t, []models.Identity{u1}, tr.Active("c1", t0.Add(4*time.Second)))
	assert.Empty(t, tr.Active("c1", t0.Add(5*time.Second)))

	assert.Equal(t, 1, tr.Sweep(t0.Add(5*time.Second)))
	_, ok := tr.NextDeadline()
	assert.False(t, ok)
}

func TestRefreshExtendsDeadline(t *testing.T) {
	tr := NewTracker(5 * time.Second)
	tr.Start("c1", u1, t0)
	tr.Start("c1", u1, t0.Add(3*time.Second))

	assert.Equal(t, 0, tr.Sweep(t0.Add(6*time.Second)))
	assert.Len(t, tr.Active("c1", t0.Add(6*time.Second)), 1)

	next, ok := tr.NextDeadline()
	assert.True(t, ok)
	assert.Equal(t, t0.Add(8*time.Second), next)
}

func TestStopAndClear(t *testing.T) {
	tr := NewTracker(0)
	assert.Equal(t, DefaultTimeout, tr.Timeout())

	tr.Start("c1", u1, t0)
	tr.Start("c1", u2, t0)
	tr.Start("c2", u1, t0)

	assert.True(t, tr.Stop("c1", u1))
	assert.False(t, tr.Stop("c1", u1))
	assert.Equal(t, []models.Identity{u2}, tr.Active("c1", t0))

	tr.ClearConversation("c1")
	assert.Empty(t, tr.Active("c1", t0))
	assert.Len(t, tr.Active("c2", t0), 1, "other conversations are untouched")
}
