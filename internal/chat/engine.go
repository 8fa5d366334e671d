package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/karunalabs/companion/internal/gateway"
	"github.com/karunalabs/companion/internal/imaging"
	"github.com/karunalabs/companion/internal/ocr"
	"github.com/karunalabs/companion/internal/safety"
	"github.com/karunalabs/companion/internal/stream"
)

var ErrSessionNotFound = errors.New("session not found")

// Completer is the language-model gateway port.
type Completer interface {
	Complete(ctx context.Context, req gateway.Request) gateway.Response
}

// Store is the optional persistence port. The in-memory log stays
// authoritative during the process lifetime; store writes are best-effort.
type Store interface {
	UpsertSession(ctx context.Context, id, title string, createdAt time.Time) error
	DeleteSession(ctx context.Context, id string) error
	UpsertMessage(ctx context.Context, sessionID string, m *Message) error
	ClearMessages(ctx context.Context, sessionID string) error
	Load(ctx context.Context) ([]*Session, error)
}

const (
	defaultHistoryWindow   = 12
	defaultWatchdogCeiling = 120 * time.Second
	defaultNoticeTTL       = 4 * time.Second
	defaultPersistTimeout  = 5 * time.Second
)

// Options wires an Engine. Gateway is required; everything else has a
// usable default or is optional.
type Options struct {
	Logger    *slog.Logger
	Gateway   Completer
	OCR       ocr.Extractor
	Safety    *safety.Classifier
	Suggester *stream.Suggester
	Streamer  *stream.Streamer
	Store     Store

	HistoryWindow   int
	WatchdogCeiling time.Duration
	NoticeTTL       time.Duration
	MaxImageDim     int

	// KeepAttachmentsLocal starts the user's local-only preference;
	// local-only attachments never leave the device. Metadata is dropped
	// for every attachment regardless, as a side effect of normalization.
	KeepAttachmentsLocal bool
}

// Engine owns all session state. A single mutex is the logical owner of
// the message log, current session, and send state; background work
// (gateway calls, streaming, ingestion) marshals results back through
// Engine methods before touching shared state.
type Engine struct {
	log      *slog.Logger
	gw       Completer
	ocrx     ocr.Extractor
	safety   *safety.Classifier
	suggest  *stream.Suggester
	streamer *stream.Streamer
	store    Store

	histWindow  int
	watchdog    time.Duration
	noticeTTL   time.Duration
	maxImageDim int
	persistTO   time.Duration

	mu        sync.Mutex
	sessions  map[string]*Session
	order     []string
	currentID string
	pending   []*Attachment
	keepLocal bool

	notice      *Notice
	noticeTimer *time.Timer
	signal      RedFlagSignal
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Gateway == nil {
		return nil, errors.New("missing gateway")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		log:         log,
		gw:          opts.Gateway,
		ocrx:        opts.OCR,
		safety:      opts.Safety,
		suggest:     opts.Suggester,
		streamer:    opts.Streamer,
		store:       opts.Store,
		histWindow:  opts.HistoryWindow,
		watchdog:    opts.WatchdogCeiling,
		noticeTTL:   opts.NoticeTTL,
		maxImageDim: opts.MaxImageDim,
		persistTO:   defaultPersistTimeout,
		sessions:    make(map[string]*Session),
		keepLocal:   opts.KeepAttachmentsLocal,
		signal:      RedFlagSignal{Mood: safety.MoodNeutral},
	}
	if e.safety == nil {
		e.safety = safety.New()
	}
	if e.suggest == nil {
		e.suggest = stream.NewSuggester()
	}
	if e.streamer == nil {
		e.streamer = stream.New(stream.DefaultBatchSize, stream.DefaultInterval)
	}
	if e.histWindow <= 0 {
		e.histWindow = defaultHistoryWindow
	}
	if e.watchdog <= 0 {
		e.watchdog = defaultWatchdogCeiling
	}
	if e.noticeTTL <= 0 {
		e.noticeTTL = defaultNoticeTTL
	}
	if e.maxImageDim <= 0 {
		e.maxImageDim = imaging.DefaultMaxDimension
	}

	e.restore()
	if len(e.order) == 0 {
		e.createSessionLocked()
	}
	return e, nil
}

// restore loads persisted sessions. Failures are logged and leave the
// engine empty; a fresh default session is created by the caller.
func (e *Engine) restore() {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.persistTO)
	defer cancel()
	sessions, err := e.store.Load(ctx)
	if err != nil {
		e.log.Warn("restore from store failed", "err", err)
		return
	}
	for _, s := range sessions {
		if s == nil || s.ID == "" {
			continue
		}
		s.phase = PhaseIdle
		s.token = nil
		e.sessions[s.ID] = s
		e.order = append(e.order, s.ID)
	}
	if len(e.order) > 0 {
		e.currentID = e.order[len(e.order)-1]
	}
}

// CreateSession starts a fresh default-titled session and makes it
// current, cancelling any in-flight send on the previous current session.
func (e *Engine) CreateSession() string {
	e.mu.Lock()
	if cur := e.sessions[e.currentID]; cur != nil {
		e.cancelActiveLocked(cur)
	}
	s := e.createSessionLocked()
	id, title, created := s.ID, s.Title, s.CreatedAt
	e.mu.Unlock()

	e.persistSession(id, title, created)
	return id
}

func (e *Engine) createSessionLocked() *Session {
	s := &Session{
		ID:        newSessionID(),
		Title:     DefaultTitle,
		CreatedAt: time.Now(),
	}
	e.sessions[s.ID] = s
	e.order = append(e.order, s.ID)
	e.currentID = s.ID
	return s
}

// SwitchTo makes another session current. An in-flight send on the
// session being left is cancelled first, so its stream can never write
// into a log that is no longer current.
func (e *Engine) SwitchTo(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	target := e.sessions[id]
	if target == nil {
		return ErrSessionNotFound
	}
	if id == e.currentID {
		return nil
	}
	if cur := e.sessions[e.currentID]; cur != nil {
		e.cancelActiveLocked(cur)
	}
	e.currentID = id
	return nil
}

// DeleteSession removes a session. Deleting the current session cancels
// its in-flight send first; deleting the only remaining session recreates
// a fresh default one rather than leaving zero sessions.
func (e *Engine) DeleteSession(id string) error {
	e.mu.Lock()
	s := e.sessions[id]
	if s == nil {
		e.mu.Unlock()
		return ErrSessionNotFound
	}
	e.cancelActiveLocked(s)
	delete(e.sessions, id)
	for i, sid := range e.order {
		if sid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	var createdID, createdTitle string
	var createdAt time.Time
	if len(e.order) == 0 {
		created := e.createSessionLocked()
		createdID, createdTitle, createdAt = created.ID, created.Title, created.CreatedAt
	} else if e.currentID == id {
		e.currentID = e.order[len(e.order)-1]
	}
	e.mu.Unlock()

	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.persistTO)
		if err := e.store.DeleteSession(ctx, id); err != nil {
			e.log.Warn("delete session from store failed", "session_id", id, "err", err)
		}
		cancel()
	}
	if createdID != "" {
		e.persistSession(createdID, createdTitle, createdAt)
	}
	return nil
}

// ClearCurrent removes every message from the current session, cancelling
// an in-flight send first. The session itself and its title survive.
func (e *Engine) ClearCurrent() {
	e.mu.Lock()
	s := e.sessions[e.currentID]
	if s == nil {
		e.mu.Unlock()
		return
	}
	e.cancelActiveLocked(s)
	s.Messages = nil
	id := s.ID
	e.mu.Unlock()

	if e.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.persistTO)
		defer cancel()
		if err := e.store.ClearMessages(ctx, id); err != nil {
			e.log.Warn("clear messages in store failed", "session_id", id, "err", err)
		}
	}
}

// RenameIfDefault sets the current session's title only while the default
// placeholder title is still in effect.
func (e *Engine) RenameIfDefault(newTitle string) {
	e.mu.Lock()
	s := e.sessions[e.currentID]
	var id, title string
	var created time.Time
	if s != nil && s.Title == DefaultTitle {
		if t := deriveTitle(newTitle); t != "" {
			s.Title = t
			id, title, created = s.ID, s.Title, s.CreatedAt
		}
	}
	e.mu.Unlock()
	if id != "" {
		e.persistSession(id, title, created)
	}
}

// CurrentSessionID returns the id of the current session.
func (e *Engine) CurrentSessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentID
}

// Sessions lists sessions in creation order.
func (e *Engine) Sessions() []SessionSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SessionSummary, 0, len(e.order))
	for _, id := range e.order {
		s := e.sessions[id]
		if s == nil {
			continue
		}
		out = append(out, SessionSummary{
			ID:           s.ID,
			Title:        s.Title,
			CreatedAt:    s.CreatedAt,
			MessageCount: len(s.Messages),
			Current:      id == e.currentID,
		})
	}
	return out
}

// Messages returns a snapshot of the current session's log.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[e.currentID]
	if s == nil {
		return nil
	}
	out := make([]Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		out = append(out, *m)
	}
	return out
}

// Phase reports the current session's send state.
func (e *Engine) Phase() SendPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[e.currentID]
	if s == nil {
		return PhaseIdle
	}
	return s.phase
}

// Title returns the current session's title.
func (e *Engine) Title() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.sessions[e.currentID]
	if s == nil {
		return ""
	}
	return s.Title
}

// Signal returns the derived safety state.
func (e *Engine) Signal() RedFlagSignal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signal
}

// ToggleBookmark flips the bookmarked flag of a message in the current
// session.
func (e *Engine) ToggleBookmark(messageID string) bool {
	e.mu.Lock()
	var snap Message
	var found bool
	var sessID string
	if s := e.sessions[e.currentID]; s != nil {
		for _, m := range s.Messages {
			if m.ID == messageID {
				m.Bookmarked = !m.Bookmarked
				snap = *m
				found = true
				sessID = s.ID
				break
			}
		}
	}
	e.mu.Unlock()
	if !found {
		return false
	}
	e.persistMessage(sessID, snap)
	return true
}

// SetNotice publishes the transient notice and arms its auto-clear timer.
func (e *Engine) SetNotice(text string, isError bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setNoticeLocked(text, isError)
}

func (e *Engine) setNoticeLocked(text string, isError bool) {
	e.notice = &Notice{Text: text, IsError: isError, SetAt: time.Now()}
	if e.noticeTimer != nil {
		e.noticeTimer.Stop()
	}
	e.noticeTimer = time.AfterFunc(e.noticeTTL, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.notice != nil && time.Since(e.notice.SetAt) >= e.noticeTTL {
			e.notice = nil
		}
	})
}

// CurrentNotice returns the active transient notice, if any.
func (e *Engine) CurrentNotice() (Notice, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.notice == nil {
		return Notice{}, false
	}
	return *e.notice, true
}

// SetKeepAttachmentsLocal updates the local-only preference for future
// ingestion.
func (e *Engine) SetKeepAttachmentsLocal(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keepLocal = v
}

// persistSession writes a session header to the store, best-effort.
// Callers pass field snapshots taken under e.mu; the store never sees
// live session state.
func (e *Engine) persistSession(id, title string, createdAt time.Time) {
	if e.store == nil || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.persistTO)
	defer cancel()
	if err := e.store.UpsertSession(ctx, id, title, createdAt); err != nil {
		e.log.Warn("persist session failed", "session_id", id, "err", err)
	}
}

// persistMessage writes one message to the store, best-effort. It takes a
// value so callers snapshot under e.mu and the store never reads a message
// the engine may still be mutating.
func (e *Engine) persistMessage(sessionID string, m Message) {
	if e.store == nil || m.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.persistTO)
	defer cancel()
	if err := e.store.UpsertMessage(ctx, sessionID, &m); err != nil {
		e.log.Warn("persist message failed", "session_id", sessionID, "message_id", m.ID, "err", err)
	}
}
