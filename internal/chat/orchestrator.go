package chat

import (
	"strings"
	"time"
	"unicode"

	"github.com/karunalabs/companion/internal/gateway"
)

const titleMaxRunes = 40

// Send accepts one user turn for the current session. It reports false —
// a silent no-op, not an error — when a send is already in flight or when
// both the text and the pending attachment buffer are empty. Expected UI
// races (double-tap send) land here by design.
func (e *Engine) Send(userText string) bool {
	userText = strings.TrimSpace(userText)

	e.mu.Lock()
	s := e.sessions[e.currentID]
	if s == nil || s.phase != PhaseIdle {
		e.mu.Unlock()
		return false
	}
	atts := e.pending
	if userText == "" && len(atts) == 0 {
		e.mu.Unlock()
		return false
	}
	e.pending = nil // composer attachment buffer is consumed by the send

	history := e.rollingHistoryLocked(s)

	userMsg := &Message{
		ID:          newMessageID(),
		Text:        userText,
		FromUser:    true,
		CreatedAt:   time.Now(),
		Attachments: atts,
	}
	s.Messages = append(s.Messages, userMsg)

	placeholder := &Message{
		ID:          newMessageID(),
		FromUser:    false,
		CreatedAt:   time.Now(),
		Placeholder: true,
	}
	s.Messages = append(s.Messages, placeholder)

	// A fresh token invalidates any prior one.
	if s.token != nil {
		s.token.Cancel()
	}
	token := NewCancelToken()
	s.token = token
	s.phase = PhaseSending
	s.sendSeq++
	seq := s.sendSeq
	sessID := s.ID
	userSnap := *userMsg
	e.mu.Unlock()

	e.persistMessage(sessID, userSnap)

	images := inlineImages(atts)
	go e.runSend(sessID, seq, token, userText, history, images)
	return true
}

// CancelSend cancels the in-flight send of the current session. It
// reports whether there was one to cancel.
func (e *Engine) CancelSend() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[e.currentID]
	if s == nil || s.phase == PhaseIdle {
		return false
	}
	e.cancelActiveLocked(s)
	return true
}

// cancelActiveLocked invalidates the session's send token and removes the
// placeholder immediately. The orchestrator goroutine observes the token
// at its next suspension point and completes the transition to Idle; the
// watchdog is the backstop if it never does.
func (e *Engine) cancelActiveLocked(s *Session) {
	if s == nil || s.phase == PhaseIdle {
		return
	}
	if s.token != nil {
		s.token.Cancel()
	}
	e.removePlaceholderLocked(s)
	s.phase = PhaseCancelled
}

func (e *Engine) removePlaceholderLocked(s *Session) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Placeholder {
			s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
			return
		}
	}
}

// rollingHistoryLocked collects the last N valid turns, oldest first.
func (e *Engine) rollingHistoryLocked(s *Session) []gateway.Turn {
	var turns []gateway.Turn
	for i := len(s.Messages) - 1; i >= 0 && len(turns) < e.histWindow; i-- {
		m := s.Messages[i]
		if !validHistoryText(m) {
			continue
		}
		role := gateway.RoleAssistant
		if m.FromUser {
			role = gateway.RoleUser
		}
		turns = append(turns, gateway.Turn{Role: role, Text: m.Text})
	}
	// Reverse into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

// inlineImages converts sendable attachments for the gateway request.
// Local-only attachments never leave the device.
func inlineImages(atts []*Attachment) []gateway.InlineImage {
	var out []gateway.InlineImage
	for _, a := range atts {
		if a == nil || a.KeptLocal || a.Image == nil || len(a.Image.Data) == 0 {
			continue
		}
		out = append(out, gateway.InlineImage{MIME: a.Image.MIME, Data: a.Image.Data})
	}
	return out
}

// runSend drives one send from gateway call through streaming to the
// safety pass. It runs off the owner lock and marshals every state
// mutation back through locked helpers keyed by (session, seq).
func (e *Engine) runSend(sessID string, seq uint64, token *CancelToken, userText string, history []gateway.Turn, images []gateway.InlineImage) {
	watchdog := time.AfterFunc(e.watchdog, func() {
		e.forceReset(sessID, seq)
	})
	defer watchdog.Stop()

	resp := e.gw.Complete(token.Context(), gateway.Request{
		History:  history,
		UserText: userText,
		Images:   images,
	})

	if token.Cancelled() {
		e.abortSend(sessID, seq)
		return
	}

	if resp.Notice != "" {
		e.SetNotice(resp.Notice, true)
	}

	msgID, ok := e.beginStreaming(sessID, seq)
	if !ok {
		e.abortSend(sessID, seq)
		return
	}

	completed := e.streamer.Stream(resp.Text, func(batch string) {
		e.appendChunk(sessID, msgID, batch)
	}, token)

	e.finishStreaming(sessID, seq, msgID, resp, completed)
}

// beginStreaming atomically removes the typing placeholder and appends
// the streaming assistant message. It refuses when the send was cancelled
// or superseded.
func (e *Engine) beginStreaming(sessID string, seq uint64) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[sessID]
	if s == nil || s.sendSeq != seq || s.phase != PhaseSending {
		return "", false
	}
	e.removePlaceholderLocked(s)
	m := &Message{
		ID:        newMessageID(),
		FromUser:  false,
		CreatedAt: time.Now(),
		Streaming: true,
	}
	s.Messages = append(s.Messages, m)
	s.phase = PhaseStreaming
	return m.ID, true
}

// appendChunk grows the streaming message. The update only applies to the
// most recently appended assistant message of a session still in
// streaming state, never an earlier one.
func (e *Engine) appendChunk(sessID, msgID, batch string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[sessID]
	if s == nil || s.phase != PhaseStreaming || len(s.Messages) == 0 {
		return
	}
	last := s.Messages[len(s.Messages)-1]
	if last.ID != msgID || !last.Streaming {
		return
	}
	last.Text += batch
}

// finishStreaming finalizes the streamed message. A cancelled stream
// leaves the partially revealed text as-is and skips the safety pass;
// a completed one attaches suggested actions and annotations, reruns the
// safety classifier, and derives the session title if still default.
func (e *Engine) finishStreaming(sessID string, seq uint64, msgID string, resp gateway.Response, completed bool) {
	e.mu.Lock()
	s := e.sessions[sessID]
	if s == nil {
		e.mu.Unlock()
		return
	}
	var final *Message
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].ID == msgID {
			final = s.Messages[i]
			break
		}
	}
	if final != nil {
		final.Streaming = false
	}

	var renamedID, renamedTitle string
	var renamedAt time.Time
	if completed && final != nil {
		final.Text = resp.Text
		final.Suggested = e.suggest.Derive(final.Text)
		final.Confidence = confidenceNote

		// Safety runs only on completed replies, never partial ones.
		e.signal = RedFlagSignal{
			Advisory: e.safety.DetectRedFlag(final.Text),
			Mood:     e.safety.MoodFor(final.Text),
		}

		if s.Title == DefaultTitle {
			if t := deriveTitle(firstUserText(s)); t != "" {
				s.Title = t
				renamedID, renamedTitle, renamedAt = s.ID, s.Title, s.CreatedAt
			}
		}
	}

	var finalSnap Message
	if final != nil {
		finalSnap = *final
	}

	if s.sendSeq == seq {
		s.phase = PhaseIdle
		s.token = nil
	}
	e.mu.Unlock()

	if final != nil {
		e.persistMessage(sessID, finalSnap)
	}
	if renamedID != "" {
		e.persistSession(renamedID, renamedTitle, renamedAt)
	}
}

// abortSend unwinds a cancelled send: no message is appended for it, the
// placeholder is gone, and the session returns to Idle.
func (e *Engine) abortSend(sessID string, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[sessID]
	if s == nil || s.sendSeq != seq {
		return
	}
	e.removePlaceholderLocked(s)
	if s.phase != PhaseIdle {
		s.phase = PhaseIdle
		s.token = nil
	}
}

// forceReset is the watchdog path: if a send has not completed within the
// ceiling, the session is forced back to Idle so the system never wedges
// in Sending.
func (e *Engine) forceReset(sessID string, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[sessID]
	if s == nil || s.sendSeq != seq || s.phase == PhaseIdle {
		return
	}
	e.log.Warn("send watchdog fired", "session_id", sessID, "phase", s.phase.String())
	if s.token != nil {
		s.token.Cancel()
	}
	e.removePlaceholderLocked(s)
	for _, m := range s.Messages {
		m.Streaming = false
	}
	s.phase = PhaseIdle
	s.token = nil
}

func firstUserText(s *Session) string {
	for _, m := range s.Messages {
		if m.FromUser && strings.TrimSpace(m.Text) != "" {
			return m.Text
		}
	}
	return ""
}

// deriveTitle shortens a user turn into a session title: whitespace
// collapsed, cut at titleMaxRunes on a word boundary where possible.
func deriveTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= titleMaxRunes {
		return text
	}
	cut := titleMaxRunes
	for i := cut; i > titleMaxRunes/2; i-- {
		if unicode.IsSpace(runes[i-1]) {
			cut = i - 1
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}
