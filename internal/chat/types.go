// Package chat is the conversational-session engine: it owns the ordered
// message logs of named sessions, enforces single-flight send semantics
// with cooperative cancellation, and coordinates the attachment pipeline,
// gateway, streamer, and safety classifier.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/karunalabs/companion/internal/imaging"
	"github.com/karunalabs/companion/internal/safety"
	"github.com/karunalabs/companion/internal/stream"
)

// DefaultTitle is the placeholder title for a fresh session. It stays in
// effect until the first user turn completes, at which point a short title
// is derived from that turn's text.
const DefaultTitle = "New chat"

// Message is one turn of a session log. Text is mutable only while the
// message is in streaming state; it is immutable once finalized.
type Message struct {
	ID          string          `json:"id"`
	Text        string          `json:"text"`
	FromUser    bool            `json:"from_user"`
	CreatedAt   time.Time       `json:"created_at"`
	Attachments []*Attachment   `json:"attachments,omitempty"`
	Suggested   []stream.Action `json:"suggested,omitempty"`
	Bookmarked  bool            `json:"bookmarked,omitempty"`
	Confidence  string          `json:"confidence,omitempty"`

	// Placeholder marks the transient "typing" assistant message shown
	// between send and the first streamed chunk.
	Placeholder bool `json:"placeholder,omitempty"`
	// Streaming marks the single message per session whose text is
	// actively growing.
	Streaming bool `json:"streaming,omitempty"`
}

// Attachment is a normalized, categorized image attached to a user turn.
// It is immutable once categorized except for note and markup edits.
type Attachment struct {
	ID           string                   `json:"id"`
	Image        *imaging.NormalizedImage `json:"-"`
	Category     imaging.Category         `json:"category"`
	Note         string                   `json:"note,omitempty"`
	KeptLocal    bool                     `json:"kept_local,omitempty"`
	FacesBlurred bool                     `json:"faces_blurred,omitempty"`
}

// SendPhase is the orchestrator state for one session.
type SendPhase int

const (
	PhaseIdle SendPhase = iota
	PhaseSending
	PhaseStreaming
	PhaseCancelled
)

func (p SendPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Session is one named conversation with an ordered message log.
type Session struct {
	ID        string
	Title     string
	CreatedAt time.Time
	Messages  []*Message

	// Send state: at most one send is in flight per session. The token is
	// invalidated by a new send, a session switch, or a delete.
	phase   SendPhase
	token   *CancelToken
	sendSeq uint64
}

// SessionSummary is the read-only listing shape for a session.
type SessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
	Current      bool      `json:"current"`
}

// Notice is the single transient user-facing notice. It auto-clears after
// a fixed short duration.
type Notice struct {
	Text    string    `json:"text"`
	IsError bool      `json:"is_error"`
	SetAt   time.Time `json:"set_at"`
}

// RedFlagSignal is the derived safety state recomputed after every
// completed assistant reply. Advisory is empty when no red flag matched.
type RedFlagSignal struct {
	Advisory string      `json:"advisory,omitempty"`
	Mood     safety.Mood `json:"mood"`
}

// confidenceNote is the fixed annotation attached to completed assistant
// replies.
const confidenceNote = "General guidance, not a diagnosis."

func newMessageID() string {
	return "msg_" + uuid.NewString()
}

func newSessionID() string {
	return "sess_" + uuid.NewString()
}

func newAttachmentID() string {
	return "att_" + uuid.NewString()
}

// validHistoryText reports whether a message participates in the rolling
// history sent to the gateway.
func validHistoryText(m *Message) bool {
	return m != nil && !m.Placeholder && !m.Streaming && strings.TrimSpace(m.Text) != ""
}
