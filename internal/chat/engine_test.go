package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/karunalabs/companion/internal/gateway"
)

// captureStore records every message handed to it. Its UpsertMessage reads
// message fields outside the engine lock, so handing it a live log pointer
// instead of a snapshot would trip the race detector.
type captureStore struct {
	mu   sync.Mutex
	msgs []*Message
}

func (c *captureStore) UpsertSession(ctx context.Context, id, title string, createdAt time.Time) error {
	return nil
}

func (c *captureStore) DeleteSession(ctx context.Context, id string) error { return nil }

func (c *captureStore) UpsertMessage(ctx context.Context, sessionID string, m *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = m.Text
	_ = m.Bookmarked
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureStore) ClearMessages(ctx context.Context, sessionID string) error { return nil }

func (c *captureStore) Load(ctx context.Context) ([]*Session, error) { return nil, nil }

func (c *captureStore) lastFor(messageID string) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].ID == messageID {
			return c.msgs[i]
		}
	}
	return nil
}

func TestCreateAndSwitchSessions(t *testing.T) {
	gw := &fakeGateway{resp: gateway.Response{Text: "reply"}}
	e := newTestEngine(t, gw, nil)

	first := e.CurrentSessionID()
	if first == "" {
		t.Fatal("no default session on entry")
	}

	second := e.CreateSession()
	if e.CurrentSessionID() != second {
		t.Error("new chat did not become current")
	}
	if len(e.Sessions()) != 2 {
		t.Fatalf("sessions = %d, want 2", len(e.Sessions()))
	}

	if err := e.SwitchTo(first); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}
	if e.CurrentSessionID() != first {
		t.Error("switch did not take effect")
	}
	if err := e.SwitchTo("sess_missing"); err != ErrSessionNotFound {
		t.Errorf("SwitchTo(missing) err = %v", err)
	}
}

func TestSwitchCancelsInFlightSend(t *testing.T) {
	gw := &fakeGateway{
		resp: gateway.Response{Text: "reply"},
		gate: make(chan struct{}),
	}
	defer close(gw.gate)
	e := newTestEngine(t, gw, nil)
	first := e.CurrentSessionID()
	second := e.CreateSession()
	if err := e.SwitchTo(first); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}

	if !e.Send("hello") {
		t.Fatal("Send rejected")
	}
	waitFor(t, "gateway call", func() bool { return gw.callCount() == 1 })

	if err := e.SwitchTo(second); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}

	// The abandoned session unwinds to Idle with no placeholder left.
	if err := e.SwitchTo(first); err != nil {
		t.Fatalf("SwitchTo back: %v", err)
	}
	waitIdle(t, e)
	for _, m := range e.Messages() {
		if m.Placeholder || !m.FromUser {
			t.Errorf("cancelled send left %+v in the log", m)
		}
	}
}

func TestDeleteOnlySessionRecreatesDefault(t *testing.T) {
	gw := &fakeGateway{resp: gateway.Response{Text: "reply"}}
	e := newTestEngine(t, gw, nil)

	old := e.CurrentSessionID()
	if err := e.DeleteSession(old); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	sessions := e.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want a fresh default session", len(sessions))
	}
	if sessions[0].ID == old {
		t.Error("deleted session still present")
	}
	if sessions[0].Title != DefaultTitle {
		t.Errorf("recreated title = %q", sessions[0].Title)
	}
	if e.CurrentSessionID() != sessions[0].ID {
		t.Error("recreated session is not current")
	}
}

func TestDeleteNonCurrentSession(t *testing.T) {
	gw := &fakeGateway{resp: gateway.Response{Text: "reply"}}
	e := newTestEngine(t, gw, nil)
	first := e.CurrentSessionID()
	second := e.CreateSession()

	if err := e.DeleteSession(first); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if e.CurrentSessionID() != second {
		t.Error("current session changed when deleting another")
	}
	if err := e.DeleteSession("sess_missing"); err != ErrSessionNotFound {
		t.Errorf("DeleteSession(missing) err = %v", err)
	}
}

func TestRenameIfDefault(t *testing.T) {
	gw := &fakeGateway{resp: gateway.Response{Text: "reply"}}
	e := newTestEngine(t, gw, nil)

	e.RenameIfDefault("sleep troubles")
	if got := e.Title(); got != "sleep troubles" {
		t.Errorf("title = %q", got)
	}

	// No longer default: a second rename is ignored.
	e.RenameIfDefault("something else")
	if got := e.Title(); got != "sleep troubles" {
		t.Errorf("title changed after leaving default: %q", got)
	}
}

func TestNoticeAutoClears(t *testing.T) {
	gw := &fakeGateway{resp: gateway.Response{Text: "reply"}}
	e := newTestEngine(t, gw, func(o *Options) {
		o.NoticeTTL = 20 * time.Millisecond
	})

	e.SetNotice("something transient", false)
	if n, ok := e.CurrentNotice(); !ok || n.Text != "something transient" {
		t.Fatalf("notice = %+v ok=%v", n, ok)
	}
	waitFor(t, "notice to clear", func() bool {
		_, ok := e.CurrentNotice()
		return !ok
	})
}

func TestToggleBookmark(t *testing.T) {
	gw := &fakeGateway{resp: gateway.Response{Text: "reply"}}
	e := newTestEngine(t, gw, nil)
	e.Send("hello")
	waitIdle(t, e)

	msgs := e.Messages()
	if !e.ToggleBookmark(msgs[1].ID) {
		t.Fatal("ToggleBookmark failed")
	}
	if got := e.Messages(); !got[1].Bookmarked {
		t.Error("bookmark not set")
	}
	if e.ToggleBookmark("msg_missing") {
		t.Error("ToggleBookmark on a missing message succeeded")
	}
}

func TestBookmarkPersistsSnapshot(t *testing.T) {
	st := &captureStore{}
	gw := &fakeGateway{resp: gateway.Response{Text: "reply"}}
	e := newTestEngine(t, gw, func(o *Options) { o.Store = st })
	e.Send("hello")
	waitIdle(t, e)

	id := e.Messages()[1].ID
	if !e.ToggleBookmark(id) {
		t.Fatal("ToggleBookmark failed")
	}
	got := st.lastFor(id)
	if got == nil || !got.Bookmarked {
		t.Fatalf("store did not receive the bookmarked message: %+v", got)
	}

	e.ToggleBookmark(id)
	// The first write must hold its own copy, untouched by later toggles.
	if !got.Bookmarked {
		t.Error("earlier persisted message mutated by a later toggle")
	}
	if last := st.lastFor(id); last == nil || last.Bookmarked {
		t.Errorf("second toggle persisted %+v", last)
	}
}

func TestConcurrentBookmarkToggles(t *testing.T) {
	st := &captureStore{}
	gw := &fakeGateway{resp: gateway.Response{Text: "reply"}}
	e := newTestEngine(t, gw, func(o *Options) { o.Store = st })
	e.Send("hello")
	waitIdle(t, e)
	id := e.Messages()[1].ID

	const workers, toggles = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < toggles; j++ {
				e.ToggleBookmark(id)
			}
		}()
	}
	wg.Wait()

	// workers*toggles is even, so the flag lands back where it started.
	if e.Messages()[1].Bookmarked {
		t.Error("bookmark set after an even number of toggles")
	}
}

func TestSignalUpdatesAfterCompletedReply(t *testing.T) {
	gw := &fakeGateway{resp: gateway.Response{
		Text: "This could be serious chest pain. Please seek help immediately and call 911.",
	}}
	e := newTestEngine(t, gw, nil)

	if sig := e.Signal(); sig.Advisory != "" {
		t.Fatalf("fresh engine carries an advisory: %+v", sig)
	}

	e.Send("my chest hurts badly")
	waitIdle(t, e)

	sig := e.Signal()
	if sig.Advisory != "" {
		// "chest pain" alone is not a red-flag phrase; only the fixed set is.
		t.Errorf("unexpected advisory %q", sig.Advisory)
	}

	gw.mu.Lock()
	gw.resp = gateway.Response{Text: "Severe chest pain needs urgent care right away."}
	gw.mu.Unlock()
	e.Send("it is getting worse")
	waitIdle(t, e)

	sig = e.Signal()
	if sig.Advisory == "" {
		t.Error("red-flag reply produced no advisory")
	}
}
