// Package storetest holds the behaviour every store backend must share.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/model"
	"github.com/mahaj/pulsechat/pkg/store"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) store.IMessageStore

// Run runs the shared suite against the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAssignsIdAndTime", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("AppendValidation", func(t *testing.T) { testAppendValidation(t, newStore(t)) })
	t.Run("AppendRejectsAmbiguousAddresses", func(t *testing.T) { testAmbiguousAddresses(t, newStore(t)) })
	t.Run("ConversationSymmetricAndOrdered", func(t *testing.T) { testConversation(t, newStore(t)) })
	t.Run("Room", func(t *testing.T) { testRoom(t, newStore(t)) })
	t.Run("SoftDeleteIdempotent", func(t *testing.T) { testSoftDelete(t, newStore(t)) })
}

func pair(sender, receiver, body string) model.Draft {
	return model.Draft{
		Address: model.PairAddress{Sender: identity.MustNormalize(sender), Receiver: identity.MustNormalize(receiver)},
		Body:    body,
	}
}

func testAppend(t *testing.T, s store.IMessageStore) {
	ctx := context.Background()
	defer s.Close()

	m, err := s.Append(ctx, pair("alice", "bob", "hi"))
	require.NoError(t, err)
	assert.NotZero(t, m.ID)
	assert.False(t, m.CreatedAt.IsZero())
	assert.False(t, m.Deleted)
	assert.EqualValues(t, "alice", m.Sender)
	assert.EqualValues(t, "bob", m.Receiver)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "hi", got.Body)
	assert.True(t, m.CreatedAt.Equal(got.CreatedAt))

	_, err = s.Get(ctx, m.ID+1)
	assert.True(t, errors.Is(err, chaterr.ErrNotFound))
}

func testAppendValidation(t *testing.T, s store.IMessageStore) {
	ctx := context.Background()
	defer s.Close()

	_, err := s.Append(ctx, pair("alice", "bob", "  \t"))
	assert.True(t, errors.Is(err, chaterr.ErrValidation))

	_, err = s.Append(ctx, model.Draft{Address: model.PairAddress{Sender: "alice"}, Body: "x"})
	assert.True(t, errors.Is(err, chaterr.ErrValidation))

	_, err = s.Append(ctx, model.Draft{Address: model.RoomAddress{Sender: "alice"}, Body: "x"})
	assert.True(t, errors.Is(err, chaterr.ErrValidation))

	list, err := s.ListConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testAmbiguousAddresses(t *testing.T, s store.IMessageStore) {
	ctx := context.Background()
	defer s.Close()

	_, err := s.Append(ctx, model.Draft{Address: model.PairAddress{Sender: "a", Receiver: "b:c"}, Body: "private to b:c"})
	assert.True(t, errors.Is(err, chaterr.ErrInvalidIdentity))
	_, err = s.Append(ctx, model.Draft{Address: model.PairAddress{Sender: "Alice", Receiver: "bob"}, Body: "x"})
	assert.True(t, errors.Is(err, chaterr.ErrInvalidIdentity))
	_, err = s.Append(ctx, model.Draft{Address: model.RoomAddress{Sender: "alice", Room: "team/eng"}, Body: "x"})
	assert.True(t, errors.Is(err, chaterr.ErrValidation))

	_, err = s.Append(ctx, pair("a", "bc", "for bc"))
	require.NoError(t, err)
	_, err = s.Append(ctx, pair("ab", "c", "for ab"))
	require.NoError(t, err)

	list, err := s.ListConversation(ctx, "a", "bc")
	require.NoError(t, err)
	assert.Equal(t, []string{"for bc"}, bodiesOf(list))
	list, err = s.ListConversation(ctx, "ab", "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"for ab"}, bodiesOf(list))
}

func testConversation(t *testing.T, s store.IMessageStore) {
	ctx := context.Background()
	defer s.Close()

	var ids []int64
	for _, d := range []model.Draft{
		pair("alice", "bob", "1"),
		pair("bob", "alice", "2"),
		pair("alice", "carol", "other"),
		pair("alice", "bob", "3"),
	} {
		m, err := s.Append(ctx, d)
		require.NoError(t, err)
		if m.Receiver != "carol" {
			ids = append(ids, m.ID)
		}
	}

	ab, err := s.ListConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	ba, err := s.ListConversation(ctx, "bob", "alice")
	require.NoError(t, err)

	require.Len(t, ab, 3)
	assert.Equal(t, idsOf(ab), idsOf(ba))
	assert.Equal(t, ids, idsOf(ab))
	assert.Equal(t, []string{"1", "2", "3"}, bodiesOf(ab))
	for i := 1; i < len(ab); i++ {
		assert.True(t, ab[i-1].Before(ab[i]))
	}

	none, err := s.ListConversation(ctx, "bob", "carol")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testRoom(t *testing.T, s store.IMessageStore) {
	ctx := context.Background()
	defer s.Close()

	for _, body := range []string{"a", "b", "c"} {
		_, err := s.Append(ctx, model.Draft{Address: model.RoomAddress{Sender: "alice", Room: "general"}, Body: body})
		require.NoError(t, err)
	}
	_, err := s.Append(ctx, model.Draft{Address: model.RoomAddress{Sender: "bob", Room: "random"}, Body: "z"})
	require.NoError(t, err)

	list, err := s.ListRoom(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, bodiesOf(list))
	assert.Equal(t, "general", list[0].RoomID)
	assert.Empty(t, list[0].Receiver)

	dm, err := s.ListConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, dm)
}

func testSoftDelete(t *testing.T, s store.IMessageStore) {
	ctx := context.Background()
	defer s.Close()

	m, err := s.Append(ctx, pair("alice", "bob", "oops"))
	require.NoError(t, err)

	first, err := s.SoftDelete(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, first.Deleted)

	second, err := s.SoftDelete(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, second.Deleted)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "oops", second.Body)

	list, err := s.ListConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Deleted)

	_, err = s.SoftDelete(ctx, m.ID+12345)
	assert.True(t, errors.Is(err, chaterr.ErrNotFound))
}

func idsOf(list []model.Message) []int64 {
	out := make([]int64, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

func bodiesOf(list []model.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.Body)
	}
	return out
}
