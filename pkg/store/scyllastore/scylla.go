// Package scyllastore is the clustered message store backed by ScyllaDB.
package scyllastore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"github.com/golang/glog"

	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/db"
	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/model"
	"github.com/mahaj/pulsechat/pkg/snowflake"
	"github.com/mahaj/pulsechat/pkg/store"
)

const (
	insertMessageCQL = `INSERT INTO messages_by_conversation (conv_key, id, sender, receiver, room_id, body, created_at, deleted) VALUES (?, ?, ?, ?, ?, ?, ?, false)`
	insertIndexCQL   = `INSERT INTO message_index (id, conv_key) VALUES (?, ?)`
	getIndexCQL      = `SELECT conv_key FROM message_index WHERE id = ?`
	getMessageCQL    = `SELECT id, sender, receiver, room_id, body, created_at, deleted FROM messages_by_conversation WHERE conv_key = ? AND id = ?`
	listCQL          = `SELECT id, sender, receiver, room_id, body, created_at, deleted FROM messages_by_conversation WHERE conv_key = ?`
	softDeleteCQL    = `UPDATE messages_by_conversation SET deleted = true WHERE conv_key = ? AND id = ?`
)

type scyllaStore struct {
	session *db.Session
	node    *snowflake.Node

	// Serializes id generation with the write so that, on this node, a
	// partition never receives a smaller id after a larger one.
	mu sync.Mutex
}

func New(session *db.Session, node *snowflake.Node) *scyllaStore {
	return &scyllaStore{session: session, node: node}
}

func (s *scyllaStore) Append(ctx context.Context, d model.Draft) (model.Message, error) {
	if err := d.Validate(); err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := store.Stamp(s.node, d)
	if err != nil {
		return model.Message{}, err
	}
	key := m.ConversationKey()

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(insertMessageCQL, key, m.ID, string(m.Sender), string(m.Receiver), m.RoomID, m.Body, m.CreatedAt)
	batch.Query(insertIndexCQL, m.ID, key)
	if err := s.session.ExecuteBatch(batch); err != nil {
		glog.Errorf("scylla: append %s error: %v", key, err)
		return model.Message{}, chaterr.Unavailable(err, "append")
	}
	return m, nil
}

func (s *scyllaStore) Get(ctx context.Context, id int64) (model.Message, error) {
	key, err := s.lookup(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	return s.get(ctx, key, id)
}

func (s *scyllaStore) ListConversation(ctx context.Context, a, b identity.ID) ([]model.Message, error) {
	return s.list(ctx, identity.PairKey(a, b))
}

func (s *scyllaStore) ListRoom(ctx context.Context, room string) ([]model.Message, error) {
	return s.list(ctx, identity.RoomKey(room))
}

func (s *scyllaStore) SoftDelete(ctx context.Context, id int64) (model.Message, error) {
	key, err := s.lookup(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	// Setting true twice is the same write; the flag never goes back.
	if err := s.session.Query(softDeleteCQL, key, id).WithContext(ctx).Exec(); err != nil {
		glog.Errorf("scylla: soft delete %d error: %v", id, err)
		return model.Message{}, chaterr.Unavailable(err, "soft delete")
	}
	return s.get(ctx, key, id)
}

func (s *scyllaStore) Close() error {
	s.session.Close()
	return nil
}

func (s *scyllaStore) lookup(ctx context.Context, id int64) (string, error) {
	var key string
	if err := s.session.Query(getIndexCQL, id).WithContext(ctx).Scan(&key); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return "", chaterr.New(chaterr.KindNotFound, "message %d", id)
		}
		return "", chaterr.Unavailable(err, "lookup")
	}
	return key, nil
}

func (s *scyllaStore) get(ctx context.Context, key string, id int64) (model.Message, error) {
	var r row
	if err := s.session.Query(getMessageCQL, key, id).WithContext(ctx).Scan(r.dest()...); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return model.Message{}, chaterr.New(chaterr.KindNotFound, "message %d", id)
		}
		return model.Message{}, chaterr.Unavailable(err, "get")
	}
	return r.message(), nil
}

func (s *scyllaStore) list(ctx context.Context, key string) ([]model.Message, error) {
	iter := s.session.Query(listCQL, key).WithContext(ctx).Iter()

	out := []model.Message{}
	var r row
	for iter.Scan(r.dest()...) {
		out = append(out, r.message())
	}
	if err := iter.Close(); err != nil {
		glog.Errorf("scylla: list %s error: %v", key, err)
		return nil, chaterr.Unavailable(err, "list")
	}
	return out, nil
}

type row struct {
	id                       int64
	sender, receiver, roomID string
	body                     string
	createdAt                time.Time
	deleted                  bool
}

func (r *row) dest() []interface{} {
	return []interface{}{&r.id, &r.sender, &r.receiver, &r.roomID, &r.body, &r.createdAt, &r.deleted}
}

func (r *row) message() model.Message {
	return model.Message{
		ID:        r.id,
		Sender:    identity.ID(r.sender),
		Receiver:  identity.ID(r.receiver),
		RoomID:    r.roomID,
		Body:      r.body,
		CreatedAt: r.createdAt.UTC(),
		Deleted:   r.deleted,
	}
}
