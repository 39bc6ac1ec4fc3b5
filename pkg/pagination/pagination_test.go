package pagination

import (
	"testing"
	"time"

	"chatsync/pkg/models"
)

func TestCursorRoundTripAndBefore(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	oldest := models.Message{ID: "m10", ConversationID: "c1", TS: ts}

	cp, err := DecodeCursor(BeforeCursor(oldest))
	if err != nil {
		t.Fatalf("DecodeCursor() error = %v", err)
	}
	if cp.ConversationID != "c1" || cp.BeforeID != "m10" {
		t.Fatalf("unexpected payload %+v", cp)
	}

	tests := []struct {
		name string
		msg  models.Message
		want bool
	}{
		{"older timestamp", models.Message{ID: "m9", TS: ts.Add(-time.Minute)}, true},
		{"same timestamp lower id", models.Message{ID: "m0", TS: ts}, true},
		{"the pivot itself", oldest, false},
		{"newer", models.Message{ID: "m11", TS: ts.Add(time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cp.Before(tt.msg); got != tt.want {
				t.Errorf("Before() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeCursor_Invalid(t *testing.T) {
	if _, err := DecodeCursor("%%%"); err == nil {
		t.Fatalf("expected base64 error")
	}
	if cp, err := DecodeCursor(""); err != nil || cp.BeforeID != "" {
		t.Fatalf("empty cursor should decode to zero payload, got %+v %v", cp, err)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, MessageDefaultLimit},
		{-3, MessageDefaultLimit},
		{10, 10},
		{5000, MaxLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in, MessageDefaultLimit, MaxLimit); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
