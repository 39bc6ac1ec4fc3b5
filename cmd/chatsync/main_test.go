package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/models"
	"chatsync/pkg/outbox"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, outboxPath string) string {
	t.Helper()
	body := "identity:\n  self: USER:u1\napi:\n  base_url: https://chat.example.com\npush:\n  transport: none\noutbox:\n  path: " + outboxPath + "\n"
	p := filepath.Join(t.TempDir(), "chatsync.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "chatsync dev\n", out)
}

func TestValidatePrint(t *testing.T) {
	cfg := writeConfig(t, filepath.Join(t.TempDir(), "outbox"))
	out, err := execute(t, "validate", "--config", cfg, "--log-level", "debug", "--print")
	require.NoError(t, err)
	assert.Contains(t, out, "config ok (sources: [config flags])")
	assert.Contains(t, out, "level: debug")
	assert.Contains(t, out, "queue_capacity: 1024")
	assert.Contains(t, out, "debounce: 300ms")
}

func TestValidateMissingConfig(t *testing.T) {
	_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestOutboxList(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	cfg := writeConfig(t, dir)

	out, err := execute(t, "outbox", "list", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "is empty")

	st, err := outbox.Open(outbox.Options{Path: dir})
	require.NoError(t, err)
	require.NoError(t, st.Put(outbox.Record{
		Message: models.Message{
			ID:             "k1",
			CorrelationKey: "k1",
			ConversationID: "c1",
			Sender:         models.Identity{ID: "u1", Type: models.ParticipantUser},
			Body:           models.TextBody{Content: "unsent"},
			TS:             time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			State:          models.StateFailed,
		},
		Error:    "network",
		Attempts: 1,
		FailedAt: time.Date(2024, 3, 1, 10, 0, 1, 0, time.UTC),
	}))
	require.NoError(t, st.Close())

	out, err = execute(t, "outbox", "list", "c1", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "unsent")
	assert.Contains(t, out, "attempts: 1")

	out, err = execute(t, "outbox", "list", "c2", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "is empty")
}
