// Package store persists received messages and their decomposed MIME parts
// in SQLite and serves the reads the HTTP API needs.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/sendria/sendria/log"
	"github.com/sendria/sendria/mail"
)

// MemoryDSN names a shared in-memory database that stays alive across
// pooled connections for the lifetime of the process.
const MemoryDSN = "file:sendria?mode=memory&cache=shared"

// ErrNotFound is returned when a message or part does not exist.
var ErrNotFound = errors.New("store: not found")

// Message is one stored message row.
type Message struct {
	ID                   int64     `json:"id"`
	SenderEnvelope       string    `json:"sender_envelope"`
	SenderMessage        string    `json:"sender_message"`
	RecipientsEnvelope   []string  `json:"recipients_envelope"`
	RecipientsMessageTo  []string  `json:"recipients_message_to"`
	RecipientsMessageCc  []string  `json:"recipients_message_cc"`
	RecipientsMessageBcc []string  `json:"recipients_message_bcc"`
	Subject              string    `json:"subject"`
	Source               []byte    `json:"-"`
	Size                 int64     `json:"size"`
	Type                 string    `json:"type"`
	Peer                 string    `json:"peer"`
	CreatedAt            time.Time `json:"created_at"`
}

// Part is one stored message part row.
type Part struct {
	ID           int64     `json:"id"`
	MessageID    int64     `json:"message_id"`
	CID          string    `json:"cid"`
	Type         string    `json:"type"`
	IsAttachment bool      `json:"is_attachment"`
	Filename     string    `json:"filename"`
	Charset      string    `json:"charset"`
	Body         []byte    `json:"-"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

// Attachment is the slim view of an attachment part used by listings.
type Attachment struct {
	MessageID int64  `json:"message_id"`
	CID       string `json:"cid"`
	Type      string `json:"type"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
}

const messageColumns = `id, sender_envelope, sender_message, recipients_envelope,
	recipients_message_to, recipients_message_cc, recipients_message_bcc,
	subject, source, size, type, peer, created_at`

const partColumns = `id, message_id, cid, type, is_attachment, filename,
	charset, body, size, created_at`

// Store wraps the SQLite database. Writes go through a single mutex so
// concurrent ingest and deletes never contend inside SQLite itself.
type Store struct {
	db     *sql.DB
	logger log.Logger
	wmu    sync.Mutex
}

// Open opens and bootstraps the database at path. An empty path selects the
// shared in-memory database.
func Open(path string, logger log.Logger) (*Store, error) {
	dsn := MemoryDSN
	if path != "" {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000", path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// one pooled connection; with the shared cache it also keeps the
	// in-memory database from being dropped between uses
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s := &Store{db: db, logger: logger}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	ddl := []string{`
		CREATE TABLE IF NOT EXISTS message (
			id INTEGER PRIMARY KEY ASC,
			sender_envelope TEXT,
			sender_message TEXT,
			recipients_envelope TEXT,
			recipients_message_to TEXT,
			recipients_message_cc TEXT,
			recipients_message_bcc TEXT,
			subject TEXT,
			source BLOB,
			size INTEGER,
			type TEXT,
			peer TEXT,
			created_at TIMESTAMP
		)`, `
		CREATE TABLE IF NOT EXISTS message_part (
			id INTEGER PRIMARY KEY ASC,
			message_id INTEGER NOT NULL,
			cid TEXT,
			type TEXT,
			is_attachment INTEGER,
			filename TEXT,
			charset TEXT,
			body BLOB,
			size INTEGER,
			created_at TIMESTAMP
		)`,
	}
	for _, q := range ddl {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("store: creating tables: %w", err)
		}
	}
	return nil
}

// write serializes writers and retries once when SQLite reports the
// database busy or locked.
func (s *Store) write(fn func() error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	err := fn()
	if isBusy(err) {
		err = fn()
	}
	return err
}

func (s *Store) read(fn func() error) error {
	err := fn()
	if isBusy(err) {
		err = fn()
	}
	return err
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// AddMessage persists the envelope and its decomposed form in a single
// transaction and returns the stored row. The raw source is copied; the
// envelope stays owned by the caller, which typically pools it.
func (s *Store) AddMessage(env *mail.Envelope, m *mail.Message) (*Message, error) {
	row := &Message{
		SenderEnvelope:       mail.DecodeHeader(env.MailFrom),
		SenderMessage:        m.SenderMessage,
		RecipientsEnvelope:   append([]string{}, env.RcptTo...),
		RecipientsMessageTo:  m.To,
		RecipientsMessageCc:  m.Cc,
		RecipientsMessageBcc: m.Bcc,
		Subject:              m.Subject,
		Source:               append([]byte{}, env.Data.Bytes()...),
		Size:                 int64(env.Len()),
		Type:                 m.Type,
		Peer:                 env.RemoteAddr,
	}
	err := s.write(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.Exec(`
			INSERT INTO message
				(sender_envelope, sender_message, recipients_envelope, recipients_message_to,
				 recipients_message_cc, recipients_message_bcc, subject,
				 source, type, size, peer, created_at)
			VALUES
				(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
			row.SenderEnvelope, row.SenderMessage,
			marshalRecipients(row.RecipientsEnvelope), marshalRecipients(row.RecipientsMessageTo),
			marshalRecipients(row.RecipientsMessageCc), marshalRecipients(row.RecipientsMessageBcc),
			row.Subject, row.Source, row.Type, row.Size, row.Peer)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, p := range m.Parts {
			if _, err := tx.Exec(`
				INSERT INTO message_part
					(message_id, cid, type, is_attachment, filename, charset, body, size, created_at)
				VALUES
					(?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
				id, p.CID, p.Type, p.IsAttachment, nullable(p.Filename),
				nullable(p.Charset), p.Body, len(p.Body)); err != nil {
				return err
			}
		}
		if err := tx.QueryRow(`SELECT created_at FROM message WHERE id = ?`, id).Scan(&row.CreatedAt); err != nil {
			return err
		}
		row.ID = id
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"message_id": row.ID, "parts": len(m.Parts)}).Info("message stored")
	return row, nil
}

// GetMessage returns one message row, ErrNotFound when absent.
func (s *Store) GetMessage(id int64) (*Message, error) {
	var m *Message
	err := s.read(func() error {
		var err error
		m, err = scanMessage(s.db.QueryRow(
			`SELECT `+messageColumns+` FROM message WHERE id = ?`, id))
		return err
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns every message, oldest first.
func (s *Store) ListMessages() ([]*Message, error) {
	var out []*Message
	err := s.read(func() error {
		out = out[:0]
		rows, err := s.db.Query(
			`SELECT ` + messageColumns + ` FROM message ORDER BY created_at ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteMessage removes a message and all its parts.
func (s *Store) DeleteMessage(id int64) error {
	err := s.write(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.Exec(`DELETE FROM message WHERE id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM message_part WHERE message_id = ?`, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{"message_id": id}).Info("message deleted")
	return nil
}

// DeleteAll removes every message and part.
func (s *Store) DeleteAll() error {
	err := s.write(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.Exec(`DELETE FROM message`); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM message_part`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.logger.Info("all messages deleted")
	return nil
}

// GetAttachments lists the attachment parts of a message ordered by
// filename.
func (s *Store) GetAttachments(messageID int64) ([]*Attachment, error) {
	var out []*Attachment
	err := s.read(func() error {
		out = out[:0]
		rows, err := s.db.Query(`
			SELECT message_id, cid, type, filename, size
			FROM message_part
			WHERE message_id = ? AND is_attachment = 1
			ORDER BY filename ASC`, messageID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a := &Attachment{}
			var filename sql.NullString
			if err := rows.Scan(&a.MessageID, &a.CID, &a.Type, &filename, &a.Size); err != nil {
				return err
			}
			a.Filename = filename.String
			out = append(out, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetPartByCID returns the part of a message with the given CID.
func (s *Store) GetPartByCID(messageID int64, cid string) (*Part, error) {
	return s.getPart(
		`SELECT `+partColumns+` FROM message_part WHERE message_id = ? AND cid = ? LIMIT 1`,
		messageID, cid)
}

// GetPartHTML returns the first renderable HTML part of a message.
func (s *Store) GetPartHTML(messageID int64) (*Part, error) {
	return s.partByTypes(messageID, "text/html", "application/xhtml+xml")
}

// GetPartPlain returns the first plain-text part of a message.
func (s *Store) GetPartPlain(messageID int64) (*Part, error) {
	return s.partByTypes(messageID, "text/plain")
}

func (s *Store) partByTypes(messageID int64, types ...string) (*Part, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM message_part WHERE message_id = ? AND type IN (%s) AND is_attachment = 0 LIMIT 1`,
		partColumns, placeholders(len(types)))
	args := make([]interface{}, 0, len(types)+1)
	args = append(args, messageID)
	for _, t := range types {
		args = append(args, t)
	}
	return s.getPart(query, args...)
}

func (s *Store) getPart(query string, args ...interface{}) (*Part, error) {
	var p *Part
	err := s.read(func() error {
		var err error
		p, err = scanPart(s.db.QueryRow(query, args...))
		return err
	})
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// HasHTML reports whether a message has a renderable HTML part.
func (s *Store) HasHTML(messageID int64) (bool, error) {
	return s.hasTypes(messageID, "text/html", "application/xhtml+xml")
}

// HasPlain reports whether a message has a plain-text part.
func (s *Store) HasPlain(messageID int64) (bool, error) {
	return s.hasTypes(messageID, "text/plain")
}

func (s *Store) hasTypes(messageID int64, types ...string) (bool, error) {
	query := fmt.Sprintf(
		`SELECT 1 FROM message_part WHERE message_id = ? AND is_attachment = 0 AND type IN (%s) LIMIT 1`,
		placeholders(len(types)))
	args := make([]interface{}, 0, len(types)+1)
	args = append(args, messageID)
	for _, t := range types {
		args = append(args, t)
	}
	found := false
	err := s.read(func() error {
		var one int
		err := s.db.QueryRow(query, args...).Scan(&one)
		if err == sql.ErrNoRows {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(sc rowScanner) (*Message, error) {
	m := &Message{}
	var envRcpt, to, cc, bcc string
	err := sc.Scan(&m.ID, &m.SenderEnvelope, &m.SenderMessage, &envRcpt,
		&to, &cc, &bcc, &m.Subject, &m.Source, &m.Size, &m.Type, &m.Peer,
		&m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.RecipientsEnvelope = parseRecipients(envRcpt)
	m.RecipientsMessageTo = parseRecipients(to)
	m.RecipientsMessageCc = parseRecipients(cc)
	m.RecipientsMessageBcc = parseRecipients(bcc)
	return m, nil
}

func scanPart(sc rowScanner) (*Part, error) {
	p := &Part{}
	var filename, charset sql.NullString
	err := sc.Scan(&p.ID, &p.MessageID, &p.CID, &p.Type, &p.IsAttachment,
		&filename, &charset, &p.Body, &p.Size, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.Filename = filename.String
	p.Charset = charset.String
	return p, nil
}

func marshalRecipients(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

// parseRecipients parses a JSON-encoded recipient list; empty or corrupt
// data yields an empty list.
func parseRecipients(s string) []string {
	out := []string{}
	if s == "" {
		return out
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return []string{}
	}
	return out
}

// nullable maps the empty string to NULL so that absence is stored as
// absence; is_attachment == (filename IS NOT NULL) must hold.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
