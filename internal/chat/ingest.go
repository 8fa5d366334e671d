package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/karunalabs/companion/internal/imaging"
	"github.com/karunalabs/companion/internal/ocr"
)

// ErrAttachmentUnreadable is returned for a picked image that could not
// be decoded. The attachment is skipped; ingestion continues for the rest.
var ErrAttachmentUnreadable = errors.New("attachment unreadable")

// IngestAttachments processes picked images sequentially — never in
// parallel, to bound peak memory from simultaneously decoded images —
// and appends the survivors to the pending composer buffer. Unreadable
// images are skipped with a transient notice. Classification and text
// extraction never block ingestion.
func (e *Engine) IngestAttachments(ctx context.Context, raws [][]byte, note string) []*Attachment {
	if ctx == nil {
		ctx = context.Background()
	}
	var out []*Attachment
	for _, raw := range raws {
		att, err := e.ingestOne(ctx, raw, note)
		if err != nil {
			e.SetNotice("That photo couldn't be read and was skipped.", true)
			continue
		}
		out = append(out, att)
	}
	return out
}

func (e *Engine) ingestOne(ctx context.Context, raw []byte, note string) (*Attachment, error) {
	img, err := imaging.Normalize(raw, e.maxImageDim)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttachmentUnreadable, err)
	}

	e.mu.Lock()
	keepLocal := e.keepLocal
	e.mu.Unlock()

	// Normalization re-encoded the image, so no source metadata survives
	// either way; KeptLocal only controls whether the bytes may be uploaded.
	att := &Attachment{
		ID:        newAttachmentID(),
		Image:     img,
		Category:  imaging.Classify(img),
		Note:      note,
		KeptLocal: keepLocal,
	}

	e.mu.Lock()
	e.pending = append(e.pending, att)
	e.mu.Unlock()

	if msg := categorySuggestion(att.Category); msg != "" {
		e.appendAssistantNote(msg)
	}

	e.extractText(ctx, img)
	return att, nil
}

// categorySuggestion maps a classified category to the follow-up
// suggestion surfaced in the log. Unknown images produce none.
func categorySuggestion(c imaging.Category) string {
	switch c {
	case imaging.CategorySkin:
		return "That looks like a photo of skin. Want to set a follow-up check-in to track how it changes?"
	case imaging.CategoryEye:
		return "That looks like a photo of an eye. Want to set a follow-up check-in to see how it develops?"
	default:
		return ""
	}
}

// extractText runs the OCR adapter over one ingested image. Failures are
// non-fatal: they surface as a transient notice and the chat continues.
func (e *Engine) extractText(ctx context.Context, img *imaging.NormalizedImage) {
	if e.ocrx == nil {
		return
	}
	text, err := e.ocrx.Extract(ctx, img)
	switch {
	case err == nil:
		display := ocr.TruncateForDisplay(text)
		e.appendAssistantNote(fmt.Sprintf("I can read some text in that photo: %q. Want to go through it together?", display))
	case errors.Is(err, ocr.ErrNoTextFound):
		e.SetNotice("No readable text found in that photo.", false)
	default:
		e.SetNotice("Text recognition isn't available right now.", true)
	}
}

// appendAssistantNote appends an assistant-authored suggestion message to
// the current session's log, outside any send flow.
func (e *Engine) appendAssistantNote(text string) {
	e.mu.Lock()
	s := e.sessions[e.currentID]
	if s == nil {
		e.mu.Unlock()
		return
	}
	m := &Message{
		ID:        newMessageID(),
		Text:      text,
		FromUser:  false,
		CreatedAt: time.Now(),
	}
	s.Messages = append(s.Messages, m)
	sessID := s.ID
	snap := *m
	e.mu.Unlock()

	e.persistMessage(sessID, snap)
}

// PendingAttachments snapshots the composer buffer.
func (e *Engine) PendingAttachments() []Attachment {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Attachment, 0, len(e.pending))
	for _, a := range e.pending {
		out = append(out, *a)
	}
	return out
}

// RemovePendingAttachment drops one attachment from the composer buffer.
func (e *Engine) RemovePendingAttachment(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, a := range e.pending {
		if a.ID == id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return true
		}
	}
	return false
}

// UpdatePendingNote edits the free-text note of a pending attachment.
// Notes stay editable after categorization; the image and category do not.
func (e *Engine) UpdatePendingNote(id, note string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.pending {
		if a.ID == id {
			a.Note = note
			return true
		}
	}
	return false
}

// SetPendingFacesBlurred flips the faces-blurred markup flag of a pending
// attachment.
func (e *Engine) SetPendingFacesBlurred(id string, blurred bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.pending {
		if a.ID == id {
			a.FacesBlurred = blurred
			return true
		}
	}
	return false
}
