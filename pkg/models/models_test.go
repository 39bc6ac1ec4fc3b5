package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBody_PicksNarrowestKind(t *testing.T) {
	img := []Attachment{{URL: "https://cdn/a.png", Name: "a.png"}}
	file := []Attachment{{URL: "https://cdn/r.pdf", Name: "r.pdf"}}

	tests := []struct {
		name   string
		text   string
		images []Attachment
		files  []Attachment
		want   MessageKind
	}{
		{"text only", "hi", nil, nil, KindText},
		{"images only", "", img, nil, KindImageSet},
		{"files only", "", nil, file, KindFileSet},
		{"text and images", "look", img, nil, KindCombined},
		{"images and files", "", img, file, KindCombined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBody(tt.text, tt.images, tt.files)
			require.NotNil(t, b)
			assert.Equal(t, tt.want, b.Kind())
		})
	}

	assert.Nil(t, NewBody("", nil, nil))
}

func TestMessageJSON_DecodesTaggedBody(t *testing.T) {
	raw := `{
		"id": "m1",
		"conversation_id": "c1",
		"sender": {"id": "u1", "type": "USER"},
		"body": {"kind": "combined", "text": "see attached", "files": [{"url": "https://cdn/f", "name": "f.txt", "size": 12}]},
		"ts": "2024-03-01T10:00:00Z",
		"reply_to": {"message_id": "m0", "preview": {"id": "m0", "text": "question?"}}
	}`
	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))

	body, ok := m.Body.(CombinedBody)
	require.True(t, ok, "expected CombinedBody, got %T", m.Body)
	assert.Equal(t, "see attached", body.Content)
	assert.Len(t, body.Files, 1)
	assert.Equal(t, StateSent, m.State, "server messages default to sent")
	require.NotNil(t, m.ReplyTo)
	assert.Equal(t, "m0", m.ReplyTo.MessageID)

	err := json.Unmarshal([]byte(`{"id":"m2","body":{"kind":"sticker"}}`), &m)
	assert.Error(t, err)
}

func TestLess_TiesBrokenByID(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a := Message{ID: "a", TS: ts}
	b := Message{ID: "b", TS: ts}
	c := Message{ID: "0", TS: ts.Add(time.Second)}

	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))
	assert.True(t, Less(b, c))
}

func TestWithReceipt_LatestPerReaderWins(t *testing.T) {
	reader := Identity{ID: "u2", Type: ParticipantUser}
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	rs, changed := WithReceipt(nil, ReadReceipt{Reader: reader, ReadAt: t2})
	require.True(t, changed)
	rs, changed = WithReceipt(rs, ReadReceipt{Reader: reader, ReadAt: t1})
	assert.False(t, changed, "older receipt must not replace newer one")
	require.Len(t, rs, 1)
	assert.Equal(t, t2, rs[0].ReadAt)
}

func TestParseIdentity(t *testing.T) {
	id, err := ParseIdentity("admin:42")
	require.NoError(t, err)
	assert.Equal(t, Identity{ID: "42", Type: ParticipantAdmin}, id)

	id, err = ParseIdentity("7")
	require.NoError(t, err)
	assert.Equal(t, ParticipantUser, id.Type)

	_, err = ParseIdentity("robot:1")
	assert.Error(t, err)
}
