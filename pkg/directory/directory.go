// Package directory is the identity directory and credential check, plus the
// per-identity conversation list with unread counters. It is backed by
// SQLite.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/model"
)

const minSecretLen = 6

// Directory is what the core consumes at login and for peer discovery.
type Directory interface {
	Register(ctx context.Context, name, secret string) (identity.ID, error)
	VerifyCredentials(ctx context.Context, name, secret string) (identity.ID, error)
	ListIdentities(ctx context.Context) ([]identity.ID, error)
}

type Conversation struct {
	Peer          identity.ID `json:"peer"`
	LastMessageID int64       `json:"lastMessageId,string"`
	LastUpdated   time.Time   `json:"lastUpdated"`
	Unread        int64       `json:"unread"`
}

type SQLDirectory struct {
	db *sql.DB
}

// Open opens the SQLite database at dsn and creates the tables.
func Open(dsn string) (*SQLDirectory, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, chaterr.Unavailable(err, "open directory")
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, chaterr.Unavailable(err, "ping directory")
	}

	d := &SQLDirectory{db: db}
	if err := d.createTables(); err != nil {
		_ = db.Close()
		return nil, chaterr.Unavailable(err, "create directory tables")
	}
	glog.Infof("directory opened: %s", dsn)
	return d, nil
}

func (d *SQLDirectory) createTables() error {
	tables := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS conversations (
		owner TEXT NOT NULL,
		peer TEXT NOT NULL,
		last_message_id INTEGER NOT NULL,
		last_updated INTEGER NOT NULL,
		unread INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (owner, peer)
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner, last_updated);
	`
	_, err := d.db.Exec(tables)
	return err
}

func (d *SQLDirectory) Close() error {
	return d.db.Close()
}

func (d *SQLDirectory) Register(ctx context.Context, name, secret string) (identity.ID, error) {
	id, err := identity.Normalize(name)
	if err != nil {
		return "", err
	}
	if len(secret) < minSecretLen {
		return "", chaterr.Validation("secret must be at least %d characters", minSecretLen)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", chaterr.Wrap(chaterr.KindInternal, err, "hash secret")
	}

	_, err = d.db.ExecContext(ctx, "INSERT INTO users (identity, password) VALUES (?, ?)", string(id), string(hashed))
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return "", chaterr.Validation("identity %s is taken", id)
		}
		return "", chaterr.Unavailable(err, "register")
	}
	glog.Infof("directory: registered %s", id)
	return id, nil
}

// VerifyCredentials returns the canonical identity when secret matches.
func (d *SQLDirectory) VerifyCredentials(ctx context.Context, name, secret string) (identity.ID, error) {
	id, err := identity.Normalize(name)
	if err != nil {
		return "", err
	}

	var hashed string
	err = d.db.QueryRowContext(ctx, "SELECT password FROM users WHERE identity = ?", string(id)).Scan(&hashed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", chaterr.New(chaterr.KindAuth, "invalid identity or secret")
	case err != nil:
		return "", chaterr.Unavailable(err, "verify credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(secret)); err != nil {
		return "", chaterr.New(chaterr.KindAuth, "invalid identity or secret")
	}
	return id, nil
}

// ListIdentities returns every registered identity, sorted.
func (d *SQLDirectory) ListIdentities(ctx context.Context) ([]identity.ID, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT identity FROM users ORDER BY identity")
	if err != nil {
		return nil, chaterr.Unavailable(err, "list identities")
	}
	defer rows.Close()

	out := []identity.ID{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, chaterr.Unavailable(err, "list identities")
		}
		out = append(out, identity.ID(s))
	}
	if err := rows.Err(); err != nil {
		return nil, chaterr.Unavailable(err, "list identities")
	}
	return out, nil
}

const upsertConversation = `
	INSERT INTO conversations (owner, peer, last_message_id, last_updated, unread)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (owner, peer) DO UPDATE SET
		last_message_id = excluded.last_message_id,
		last_updated = excluded.last_updated,
		unread = conversations.unread + excluded.unread`

// RecordMessage bumps both sides of a pair conversation and counts the
// message as unread for the receiver. Room messages are ignored.
func (d *SQLDirectory) RecordMessage(ctx context.Context, m model.Message) error {
	if m.IsRoom() {
		return nil
	}
	at := m.CreatedAt.UnixMilli()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return chaterr.Unavailable(err, "record message")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertConversation, string(m.Sender), string(m.Receiver), m.ID, at, 0); err != nil {
		return chaterr.Unavailable(err, "record message")
	}
	if m.Receiver != m.Sender {
		if _, err := tx.ExecContext(ctx, upsertConversation, string(m.Receiver), string(m.Sender), m.ID, at, 1); err != nil {
			return chaterr.Unavailable(err, "record message")
		}
	}
	if err := tx.Commit(); err != nil {
		return chaterr.Unavailable(err, "record message")
	}
	return nil
}

// Conversations lists owner's conversations, most recent first.
func (d *SQLDirectory) Conversations(ctx context.Context, owner identity.ID) ([]Conversation, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT peer, last_message_id, last_updated, unread FROM conversations WHERE owner = ? ORDER BY last_updated DESC, peer",
		string(owner))
	if err != nil {
		return nil, chaterr.Unavailable(err, "list conversations")
	}
	defer rows.Close()

	out := []Conversation{}
	for rows.Next() {
		var c Conversation
		var peer string
		var at int64
		if err := rows.Scan(&peer, &c.LastMessageID, &at, &c.Unread); err != nil {
			return nil, chaterr.Unavailable(err, "list conversations")
		}
		c.Peer = identity.ID(peer)
		c.LastUpdated = time.UnixMilli(at).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, chaterr.Unavailable(err, "list conversations")
	}
	return out, nil
}

// MarkRead resets owner's unread counter for peer.
func (d *SQLDirectory) MarkRead(ctx context.Context, owner, peer identity.ID) error {
	res, err := d.db.ExecContext(ctx, "UPDATE conversations SET unread = 0 WHERE owner = ? AND peer = ?", string(owner), string(peer))
	if err != nil {
		return chaterr.Unavailable(err, "mark read")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chaterr.New(chaterr.KindNotFound, "no conversation with %s", peer)
	}
	return nil
}
