// Package boltstore is the embedded single-node message store backed by bbolt.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/model"
	"github.com/mahaj/pulsechat/pkg/snowflake"
	"github.com/mahaj/pulsechat/pkg/store"
)

var (
	// id -> json message
	messagesBucket = []byte("messages")
	// conversation key -> nested bucket of id -> nil
	conversationsBucket = []byte("conversations")

	errNotFound = errors.New("not found")
)

type boltStore struct {
	db   *bbolt.DB
	node *snowflake.Node
}

// Open opens or creates the database file at path.
func Open(path string, node *snowflake.Node) (*boltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, chaterr.Unavailable(err, "open bolt "+path)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, conversationsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, chaterr.Unavailable(err, "init buckets")
	}

	glog.Infof("bolt store opened: %s", path)
	return &boltStore{db: db, node: node}, nil
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func (s *boltStore) Append(ctx context.Context, d model.Draft) (model.Message, error) {
	if err := d.Validate(); err != nil {
		return model.Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Message{}, chaterr.Unavailable(err, "append")
	}

	var out model.Message
	// bolt has a single writer, so ids are generated in commit order.
	err := s.db.Update(func(tx *bbolt.Tx) error {
		m, err := store.Stamp(s.node, d)
		if err != nil {
			return err
		}
		value, err := json.Marshal(m)
		if err != nil {
			return err
		}
		key := itob(m.ID)
		if err := tx.Bucket(messagesBucket).Put(key, value); err != nil {
			return err
		}
		conv, err := tx.Bucket(conversationsBucket).CreateBucketIfNotExists([]byte(m.ConversationKey()))
		if err != nil {
			return err
		}
		if err := conv.Put(key, nil); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		glog.Errorf("bolt: append error: %v", err)
		return model.Message{}, chaterr.Unavailable(err, "append")
	}
	return out, nil
}

func (s *boltStore) Get(ctx context.Context, id int64) (model.Message, error) {
	var out model.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		m, err := getMessage(tx, id)
		out = m
		return err
	})
	return out, mapErr(err, id, "get")
}

func (s *boltStore) ListConversation(ctx context.Context, a, b identity.ID) ([]model.Message, error) {
	return s.list(identity.PairKey(a, b))
}

func (s *boltStore) ListRoom(ctx context.Context, room string) ([]model.Message, error) {
	return s.list(identity.RoomKey(room))
}

func (s *boltStore) list(key string) ([]model.Message, error) {
	out := []model.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		conv := tx.Bucket(conversationsBucket).Bucket([]byte(key))
		if conv == nil {
			return nil
		}
		messages := tx.Bucket(messagesBucket)
		// Keys are big endian ids, so cursor order is insertion order.
		c := conv.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			var m model.Message
			if err := json.Unmarshal(messages.Get(k), &m); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		glog.Errorf("bolt: list %s error: %v", key, err)
		return nil, chaterr.Unavailable(err, "list")
	}
	return out, nil
}

func (s *boltStore) SoftDelete(ctx context.Context, id int64) (model.Message, error) {
	var out model.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		m, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		out = m
		if m.Deleted {
			return nil
		}
		m.Deleted = true
		value, err := json.Marshal(m)
		if err != nil {
			return err
		}
		out = m
		return tx.Bucket(messagesBucket).Put(itob(id), value)
	})
	return out, mapErr(err, id, "soft delete")
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func getMessage(tx *bbolt.Tx, id int64) (model.Message, error) {
	var m model.Message
	value := tx.Bucket(messagesBucket).Get(itob(id))
	if value == nil {
		return m, errNotFound
	}
	err := json.Unmarshal(value, &m)
	return m, err
}

func mapErr(err error, id int64, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNotFound):
		return chaterr.New(chaterr.KindNotFound, "message %d", id)
	}
	glog.Errorf("bolt: %s %d error: %v", op, id, err)
	return chaterr.Unavailable(err, op)
}
