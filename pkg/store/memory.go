package store

import (
	"context"
	"sync"

	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/model"
	"github.com/mahaj/pulsechat/pkg/snowflake"
)

// memoryStore keeps messages in process memory. It is used by tests and by
// the `memory` store backend.
type memoryStore struct {
	sync.RWMutex
	node *snowflake.Node

	// conversation key -> messages in insertion order
	byKey map[string][]model.Message
	// id -> conversation key
	index map[int64]string
}

func NewMemoryStore(node *snowflake.Node) *memoryStore {
	return &memoryStore{
		node:  node,
		byKey: make(map[string][]model.Message),
		index: make(map[int64]string),
	}
}

func (s *memoryStore) Append(ctx context.Context, d model.Draft) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, chaterr.Unavailable(err, "append")
	}

	s.Lock()
	defer s.Unlock()

	// Stamp under the lock so insertion order matches id order.
	m, err := Stamp(s.node, d)
	if err != nil {
		return model.Message{}, err
	}
	key := m.ConversationKey()
	s.byKey[key] = append(s.byKey[key], m)
	s.index[m.ID] = key
	return m, nil
}

func (s *memoryStore) Get(ctx context.Context, id int64) (model.Message, error) {
	s.RLock()
	defer s.RUnlock()
	_, i, ok := s.locate(id)
	if !ok {
		return model.Message{}, chaterr.New(chaterr.KindNotFound, "message %d", id)
	}
	return s.byKey[s.index[id]][i], nil
}

func (s *memoryStore) ListConversation(ctx context.Context, a, b identity.ID) ([]model.Message, error) {
	return s.list(identity.PairKey(a, b)), nil
}

func (s *memoryStore) ListRoom(ctx context.Context, room string) ([]model.Message, error) {
	return s.list(identity.RoomKey(room)), nil
}

func (s *memoryStore) SoftDelete(ctx context.Context, id int64) (model.Message, error) {
	s.Lock()
	defer s.Unlock()
	key, i, ok := s.locate(id)
	if !ok {
		return model.Message{}, chaterr.New(chaterr.KindNotFound, "message %d", id)
	}
	s.byKey[key][i].Deleted = true
	return s.byKey[key][i], nil
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) list(key string) []model.Message {
	s.RLock()
	defer s.RUnlock()
	out := make([]model.Message, len(s.byKey[key]))
	copy(out, s.byKey[key])
	return out
}

// locate must be called with the lock held.
func (s *memoryStore) locate(id int64) (string, int, bool) {
	key, ok := s.index[id]
	if !ok {
		return "", 0, false
	}
	for i, m := range s.byKey[key] {
		if m.ID == id {
			return key, i, true
		}
	}
	return "", 0, false
}
