package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/pulsechat/pkg/model"
	"github.com/mahaj/pulsechat/pkg/snowflake"
	"github.com/mahaj/pulsechat/pkg/store"
	"github.com/mahaj/pulsechat/pkg/store/storetest"
)

func newNode(t *testing.T) *snowflake.Node {
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	return node
}

func TestBoltStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.IMessageStore {
		s, err := Open(filepath.Join(t.TempDir(), "chat.db"), newNode(t))
		require.NoError(t, err)
		return s
	})
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")
	node := newNode(t)

	s, err := Open(path, node)
	require.NoError(t, err)
	m, err := s.Append(ctx, model.Draft{Address: model.PairAddress{Sender: "alice", Receiver: "bob"}, Body: "persisted"})
	require.NoError(t, err)
	_, err = s.SoftDelete(ctx, m.ID)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, node)
	require.NoError(t, err)
	defer s.Close()

	list, err := s.ListConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, m.ID, list[0].ID)
	assert.True(t, list[0].Deleted)
	assert.Equal(t, "persisted", list[0].Body)
}
