// Package sessionstore is the local SQLite persistence layer for chat
// sessions, messages, and their image attachments.
//
// Notes:
//   - Everything is on-device; there is no multi-user scoping.
//   - WAL is enabled to support concurrent reads while writing.
//   - The engine treats every store call as best-effort, so methods fail
//     soft and never panic on a nil receiver.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/karunalabs/companion/internal/chat"
	"github.com/karunalabs/companion/internal/imaging"
	"github.com/karunalabs/companion/internal/stream"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	p = filepath.Clean(p)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertSession creates or renames a session row.
func (s *Store) UpsertSession(ctx context.Context, id, title string, createdAt time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing session id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (session_id, title, created_at_unix_ms)
VALUES (?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET title = excluded.title
`, id, title, createdAt.UnixMilli())
	return err
}

// DeleteSession removes a session and everything under it.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("missing session id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertMessage writes one finalized message and replaces its attachment
// rows. Transient placeholder and streaming messages are never persisted.
func (s *Store) UpsertMessage(ctx context.Context, sessionID string, m *chat.Message) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || m == nil || strings.TrimSpace(m.ID) == "" {
		return errors.New("missing session or message id")
	}
	if m.Placeholder || m.Streaming {
		return nil
	}

	suggested := ""
	if len(m.Suggested) > 0 {
		b, err := json.Marshal(m.Suggested)
		if err != nil {
			return fmt.Errorf("marshal suggestions: %w", err)
		}
		suggested = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (session_id, message_id, text_content, from_user, bookmarked, confidence, suggested_json, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, message_id) DO UPDATE SET
  text_content = excluded.text_content,
  bookmarked = excluded.bookmarked,
  confidence = excluded.confidence,
  suggested_json = excluded.suggested_json
`, sessionID, m.ID, m.Text, boolInt(m.FromUser), boolInt(m.Bookmarked), m.Confidence, suggested, m.CreatedAt.UnixMilli()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE session_id = ? AND message_id = ?`, sessionID, m.ID); err != nil {
		return err
	}
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		var data []byte
		var mime string
		var width, height int
		if a.Image != nil {
			data = a.Image.Data
			mime = a.Image.MIME
			width = a.Image.Width
			height = a.Image.Height
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO attachments (session_id, message_id, attachment_id, category, note, kept_local, faces_blurred, mime, width, height, image)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, sessionID, m.ID, a.ID, string(a.Category), a.Note, boolInt(a.KeptLocal), boolInt(a.FacesBlurred), mime, width, height, data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteMessage removes one message and its attachments.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE session_id = ? AND message_id = ?`, sessionID, messageID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND message_id = ?`, sessionID, messageID); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearMessages empties a session's log but keeps the session row.
func (s *Store) ClearMessages(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// Load reads every session with its full message log, oldest first.
func (s *Store) Load(ctx context.Context) ([]*chat.Session, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, title, created_at_unix_ms
FROM sessions
ORDER BY created_at_unix_ms ASC, session_id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*chat.Session
	byID := map[string]*chat.Session{}
	for rows.Next() {
		var id, title string
		var createdMs int64
		if err := rows.Scan(&id, &title, &createdMs); err != nil {
			return nil, err
		}
		sess := &chat.Session{
			ID:        id,
			Title:     title,
			CreatedAt: time.UnixMilli(createdMs),
		}
		sessions = append(sessions, sess)
		byID[id] = sess
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadMessages(ctx, byID); err != nil {
		return nil, err
	}
	if err := s.loadAttachments(ctx, byID); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) loadMessages(ctx context.Context, byID map[string]*chat.Session) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, message_id, text_content, from_user, bookmarked, confidence, suggested_json, created_at_unix_ms
FROM messages
ORDER BY id ASC
`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var sessID, msgID, text, confidence, suggested string
		var fromUser, bookmarked int
		var createdMs int64
		if err := rows.Scan(&sessID, &msgID, &text, &fromUser, &bookmarked, &confidence, &suggested, &createdMs); err != nil {
			return err
		}
		sess := byID[sessID]
		if sess == nil {
			continue
		}
		m := &chat.Message{
			ID:         msgID,
			Text:       text,
			FromUser:   fromUser != 0,
			Bookmarked: bookmarked != 0,
			Confidence: confidence,
			CreatedAt:  time.UnixMilli(createdMs),
		}
		if suggested != "" {
			var actions []stream.Action
			if err := json.Unmarshal([]byte(suggested), &actions); err == nil {
				m.Suggested = actions
			}
		}
		sess.Messages = append(sess.Messages, m)
	}
	return rows.Err()
}

func (s *Store) loadAttachments(ctx context.Context, byID map[string]*chat.Session) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, message_id, attachment_id, category, note, kept_local, faces_blurred, mime, width, height, image
FROM attachments
ORDER BY id ASC
`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var sessID, msgID, attID, category, note, mime string
		var keptLocal, facesBlurred, width, height int
		var data []byte
		if err := rows.Scan(&sessID, &msgID, &attID, &category, &note, &keptLocal, &facesBlurred, &mime, &width, &height, &data); err != nil {
			return err
		}
		sess := byID[sessID]
		if sess == nil {
			continue
		}
		att := &chat.Attachment{
			ID:           attID,
			Category:     imaging.Category(category),
			Note:         note,
			KeptLocal:    keptLocal != 0,
			FacesBlurred: facesBlurred != 0,
		}
		if len(data) > 0 {
			att.Image = &imaging.NormalizedImage{
				Data:   data,
				Width:  width,
				Height: height,
				MIME:   mime,
			}
		}
		for _, m := range sess.Messages {
			if m.ID == msgID {
				m.Attachments = append(m.Attachments, att)
				break
			}
		}
	}
	return rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
