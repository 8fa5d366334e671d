package sessionstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/karunalabs/companion/internal/chat"
	"github.com/karunalabs/companion/internal/imaging"
	"github.com/karunalabs/companion/internal/stream"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "companion.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Now().Truncate(time.Millisecond)

	if err := s.UpsertSession(ctx, "sess_1", "New chat", created); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	// Rename path: same id, new title.
	if err := s.UpsertSession(ctx, "sess_1", "sleep troubles", created); err != nil {
		t.Fatalf("UpsertSession rename: %v", err)
	}

	msg := &chat.Message{
		ID:         "msg_1",
		Text:       "I can't sleep",
		FromUser:   true,
		CreatedAt:  created,
		Bookmarked: true,
	}
	if err := s.UpsertMessage(ctx, "sess_1", msg); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	reply := &chat.Message{
		ID:         "msg_2",
		Text:       "Try a regular wind-down routine.",
		CreatedAt:  created.Add(time.Second),
		Confidence: "general guidance",
		Suggested: []stream.Action{
			{Kind: stream.ActionPlan, Label: "Build a sleep plan"},
		},
	}
	if err := s.UpsertMessage(ctx, "sess_1", reply); err != nil {
		t.Fatalf("UpsertMessage reply: %v", err)
	}

	sessions, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	got := sessions[0]
	if got.ID != "sess_1" || got.Title != "sleep troubles" {
		t.Errorf("session = %q %q", got.ID, got.Title)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(got.Messages))
	}
	if !got.Messages[0].Bookmarked || got.Messages[0].Text != "I can't sleep" {
		t.Errorf("messages[0] = %+v", got.Messages[0])
	}
	if got.Messages[1].Confidence != "general guidance" {
		t.Errorf("confidence = %q", got.Messages[1].Confidence)
	}
	if len(got.Messages[1].Suggested) != 1 || got.Messages[1].Suggested[0].Kind != stream.ActionPlan {
		t.Errorf("suggested = %+v", got.Messages[1].Suggested)
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, "sess_1", "New chat", time.Now()); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	msg := &chat.Message{
		ID:        "msg_1",
		Text:      "look at this",
		FromUser:  true,
		CreatedAt: time.Now(),
		Attachments: []*chat.Attachment{{
			ID:       "att_1",
			Category: imaging.CategorySkin,
			Note:     "left forearm",
			Image: &imaging.NormalizedImage{
				Data:   []byte{0xff, 0xd8, 0xff},
				Width:  640,
				Height: 480,
				MIME:   "image/jpeg",
			},
		}},
	}
	if err := s.UpsertMessage(ctx, "sess_1", msg); err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}

	sessions, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	atts := sessions[0].Messages[0].Attachments
	if len(atts) != 1 {
		t.Fatalf("attachments = %d, want 1", len(atts))
	}
	a := atts[0]
	if a.Category != imaging.CategorySkin || a.Note != "left forearm" {
		t.Errorf("attachment = %+v", a)
	}
	if a.Image == nil || a.Image.Width != 640 || a.Image.MIME != "image/jpeg" || len(a.Image.Data) != 3 {
		t.Errorf("image = %+v", a.Image)
	}
}

func TestTransientMessagesNotPersisted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, "sess_1", "New chat", time.Now()); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.UpsertMessage(ctx, "sess_1", &chat.Message{ID: "msg_1", Placeholder: true, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertMessage placeholder: %v", err)
	}
	if err := s.UpsertMessage(ctx, "sess_1", &chat.Message{ID: "msg_2", Streaming: true, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertMessage streaming: %v", err)
	}

	sessions, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := len(sessions[0].Messages); got != 0 {
		t.Errorf("messages = %d, want 0", got)
	}
}

func TestDeleteAndClear(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"sess_1", "sess_2"} {
		if err := s.UpsertSession(ctx, id, "New chat", time.Now()); err != nil {
			t.Fatalf("UpsertSession: %v", err)
		}
		if err := s.UpsertMessage(ctx, id, &chat.Message{ID: id + "_m", Text: "hi", FromUser: true, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("UpsertMessage: %v", err)
		}
	}

	if err := s.ClearMessages(ctx, "sess_1"); err != nil {
		t.Fatalf("ClearMessages: %v", err)
	}
	if err := s.DeleteSession(ctx, "sess_2"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	sessions, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess_1" {
		t.Fatalf("sessions = %+v", sessions)
	}
	if got := len(sessions[0].Messages); got != 0 {
		t.Errorf("cleared session has %d messages", got)
	}
}

func TestDeleteMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, "sess_1", "New chat", time.Now()); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	for _, id := range []string{"msg_1", "msg_2"} {
		if err := s.UpsertMessage(ctx, "sess_1", &chat.Message{ID: id, Text: id, FromUser: true, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("UpsertMessage: %v", err)
		}
	}
	if err := s.DeleteMessage(ctx, "sess_1", "msg_1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}

	sessions, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	msgs := sessions[0].Messages
	if len(msgs) != 1 || msgs[0].ID != "msg_2" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("   "); err == nil {
		t.Error("Open with blank path succeeded")
	}
}
