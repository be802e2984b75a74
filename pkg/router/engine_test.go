package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/metrics"
	"github.com/mahaj/pulsechat/pkg/model"
	"github.com/mahaj/pulsechat/pkg/presence"
	"github.com/mahaj/pulsechat/pkg/snowflake"
	"github.com/mahaj/pulsechat/pkg/store"
	store_mock "github.com/mahaj/pulsechat/pkg/store/mock"
)

type conn struct {
	id string
	mu sync.Mutex
	in []model.Envelope

	// called before the frame is recorded
	onDeliver func(model.Envelope)
	full      bool
}

func (c *conn) ID() string { return c.id }

func (c *conn) Deliver(frame []byte) bool {
	if c.full {
		return false
	}
	var env model.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		panic(err)
	}
	if c.onDeliver != nil {
		c.onDeliver(env)
	}
	c.mu.Lock()
	c.in = append(c.in, env)
	c.mu.Unlock()
	return true
}

func (c *conn) events(name string) []model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Envelope
	for _, env := range c.in {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

func (c *conn) messages(t *testing.T) []model.Message {
	var out []model.Message
	for _, env := range c.events(model.EventReceiveMessage) {
		var m model.Message
		require.NoError(t, json.Unmarshal(env.Data, &m))
		out = append(out, m)
	}
	return out
}

type fixture struct {
	store    store.IMessageStore
	registry *presence.Registry
	metrics  *metrics.Metrics
	engine   *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	f := &fixture{
		store:    store.NewMemoryStore(node),
		registry: presence.NewRegistry(nil),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	f.engine = New(f.store, f.registry, f.metrics, opts...)
	return f
}

func (f *fixture) online(identityName string, handle string) *conn {
	c := &conn{id: handle}
	f.registry.Join(presence.UserChannel(identity.MustNormalize(identityName)), c)
	return c
}

func TestSendDeliversOnceToEveryConnectionOfBothSides(t *testing.T) {
	f := newFixture(t)
	aliceTab1 := f.online("alice", "a1")
	aliceTab2 := f.online("alice", "a2")
	bob := f.online("bob", "b1")
	carol := f.online("carol", "c1")

	m, err := f.engine.Send(context.Background(), "alice", model.SendMessageRequest{Sender: "Alice", Receiver: "bob", Body: "hi"})
	require.NoError(t, err)

	for _, c := range []*conn{aliceTab1, aliceTab2, bob} {
		got := c.messages(t)
		require.Len(t, got, 1, c.id)
		assert.Equal(t, m.ID, got[0].ID)
		assert.Equal(t, identity.ID("alice"), got[0].Sender)
		assert.False(t, got[0].Deleted)
		assert.WithinDuration(t, time.Now(), got[0].CreatedAt, 5*time.Second)
	}
	assert.Empty(t, carol.in)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Deliveries.WithLabelValues(model.EventReceiveMessage)))
}

func TestSendDedupesConnectionOnBothChannels(t *testing.T) {
	f := newFixture(t)
	// One connection subscribed to both personal channels.
	shared := f.online("alice", "shared")
	f.registry.Join(presence.UserChannel("bob"), shared)

	_, err := f.engine.Send(context.Background(), "alice", model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "once"})
	require.NoError(t, err)
	assert.Len(t, shared.messages(t), 1)
}

func TestSendToSelfDeliversOnce(t *testing.T) {
	f := newFixture(t)
	me := f.online("alice", "a1")

	_, err := f.engine.Send(context.Background(), "alice", model.SendMessageRequest{Sender: "alice", Receiver: "ALICE", Body: "note"})
	require.NoError(t, err)
	assert.Len(t, me.messages(t), 1)
}

func TestPersistBeforeBroadcast(t *testing.T) {
	f := newFixture(t)
	bob := f.online("bob", "b1")
	var listedAtDelivery []model.Message
	bob.onDeliver = func(model.Envelope) {
		var err error
		listedAtDelivery, err = f.store.ListConversation(context.Background(), "bob", "alice")
		require.NoError(t, err)
	}

	m, err := f.engine.Send(context.Background(), "alice", model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "hi"})
	require.NoError(t, err)
	require.Len(t, listedAtDelivery, 1)
	assert.Equal(t, m.ID, listedAtDelivery[0].ID)
}

func TestOfflineReceiverStillGetsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := f.online("bob", "b1")

	first, err := f.engine.Send(ctx, "alice", model.SendMessageRequest{Sender: "Alice", Receiver: "bob", Body: "hi"})
	require.NoError(t, err)
	require.Len(t, bob.messages(t), 1)

	f.registry.Leave("b1")
	second, err := f.engine.Send(ctx, "alice", model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "yo"})
	require.NoError(t, err)
	assert.Len(t, bob.messages(t), 1, "no delivery to a gone connection")

	list, err := f.store.ListConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
}

func TestWhitespaceBodyIsRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// No store call is expected.
	st := store_mock.NewMockIMessageStore(ctrl)
	reg := presence.NewRegistry(nil)
	bob := &conn{id: "b1"}
	reg.Join(presence.UserChannel("bob"), bob)
	e := New(st, reg, metrics.New(prometheus.NewRegistry()))

	_, err := e.Send(context.Background(), "alice", model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "   "})
	assert.True(t, errors.Is(err, chaterr.ErrValidation))
	assert.Empty(t, bob.in)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		req  model.SendMessageRequest
		want error
	}{
		{"no receiver", model.SendMessageRequest{Sender: "alice", Body: "x"}, chaterr.ErrValidation},
		{"both targets", model.SendMessageRequest{Sender: "alice", Receiver: "bob", RoomID: "r", Body: "x"}, chaterr.ErrValidation},
		{"blank sender", model.SendMessageRequest{Sender: " ", Receiver: "bob", Body: "x"}, chaterr.ErrInvalidIdentity},
		{"spoofed sender", model.SendMessageRequest{Sender: "mallory", Receiver: "bob", Body: "x"}, chaterr.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Send(context.Background(), "alice", tc.req)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestStoreUnavailableIsNotBroadcast(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	st := store_mock.NewMockIMessageStore(ctrl)
	st.EXPECT().Append(gomock.Any(), gomock.Any()).Return(model.Message{}, chaterr.Unavailable(errors.New("connection refused"), "append"))

	reg := presence.NewRegistry(nil)
	alice := &conn{id: "a1"}
	bob := &conn{id: "b1"}
	reg.Join(presence.UserChannel("alice"), alice)
	reg.Join(presence.UserChannel("bob"), bob)
	m := metrics.New(prometheus.NewRegistry())
	e := New(st, reg, m)

	_, err := e.Send(context.Background(), "alice", model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "hi"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, chaterr.ErrStoreUnavailable))
	assert.True(t, chaterr.Retryable(err))
	assert.Empty(t, alice.in)
	assert.Empty(t, bob.in)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreFailures))
}

func TestPersistSurvivesCancelledConnection(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, err := f.engine.Send(ctx, "alice", model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "late"})
	require.NoError(t, err)

	got, err := f.store.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "late", got.Body)
}

func TestTypingReachesPeerOnly(t *testing.T) {
	f := newFixture(t)
	alice := f.online("alice", "a1")
	bob := f.online("bob", "b1")
	carol := f.online("carol", "c1")

	require.NoError(t, f.engine.Typing(context.Background(), "alice", model.EventTyping, model.TypingPayload{From: "alice", To: "Bob"}))
	require.NoError(t, f.engine.Typing(context.Background(), "alice", model.EventStopTyping, model.TypingPayload{From: "alice", To: "bob"}))

	typing := bob.events(model.EventTyping)
	require.Len(t, typing, 1)
	var p model.TypingPayload
	require.NoError(t, json.Unmarshal(typing[0].Data, &p))
	assert.Equal(t, model.TypingPayload{From: "alice", To: "bob"}, p)
	assert.Len(t, bob.events(model.EventStopTyping), 1)
	assert.Empty(t, alice.in)
	assert.Empty(t, carol.in)

	list, err := f.store.ListConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, list, "typing is never persisted")
}

func TestTypingToNobodyIsNotAnError(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.engine.Typing(context.Background(), "alice", model.EventTyping, model.TypingPayload{From: "alice", To: "ghost"}))

	err := f.engine.Typing(context.Background(), "alice", model.EventTyping, model.TypingPayload{From: "bob", To: "carol"})
	assert.True(t, errors.Is(err, chaterr.ErrValidation))
}

func TestRoomFanOut(t *testing.T) {
	f := newFixture(t)
	alice := f.online("alice", "a1")
	bob := f.online("bob", "b1")
	carol := f.online("carol", "c1")
	f.registry.Join(presence.RoomChannel("general"), alice)
	f.registry.Join(presence.RoomChannel("general"), bob)

	m, err := f.engine.Send(context.Background(), "alice", model.SendMessageRequest{Sender: "alice", RoomID: "general", Body: "all"})
	require.NoError(t, err)
	assert.Equal(t, "general", m.RoomID)

	assert.Len(t, alice.messages(t), 1)
	assert.Len(t, bob.messages(t), 1)
	assert.Empty(t, carol.in)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.online("alice", "a1")
	bob := f.online("bob", "b1")

	m, err := f.engine.Send(ctx, "alice", model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "oops"})
	require.NoError(t, err)

	_, err = f.engine.Delete(ctx, "bob", m.ID)
	assert.True(t, errors.Is(err, chaterr.ErrUnauthorized))

	for i := 0; i < 2; i++ {
		deleted, err := f.engine.Delete(ctx, "alice", m.ID)
		require.NoError(t, err)
		assert.True(t, deleted.Deleted)
	}

	for _, c := range []*conn{alice, bob} {
		events := c.events(model.EventMessageDeleted)
		require.Len(t, events, 2)
		var id string
		require.NoError(t, json.Unmarshal(events[0].Data, &id))
		assert.Equal(t, snowflake.Format(m.ID), id)
	}

	got, err := f.store.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	_, err = f.engine.Delete(ctx, "alice", 42)
	assert.True(t, errors.Is(err, chaterr.ErrNotFound))
}

func TestFullOutboxIsSkipped(t *testing.T) {
	f := newFixture(t)
	slow := f.online("bob", "b1")
	slow.full = true
	fast := f.online("bob", "b2")

	_, err := f.engine.Send(context.Background(), "alice", model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "hi"})
	require.NoError(t, err)
	assert.Len(t, fast.messages(t), 1)
	assert.Empty(t, slow.in)
}

func TestConcurrentSendsKeepStoreOrder(t *testing.T) {
	f := newFixture(t)
	bob := f.online("bob", "b1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Send(context.Background(), "alice", model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	list, err := f.store.ListConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	got := bob.messages(t)
	require.Len(t, got, len(list))
	for i := range list {
		assert.Equal(t, list[i].ID, got[i].ID)
	}
	assert.Equal(t, 0, f.engine.convLocks.size())
}

type recordingRelay struct {
	mu      sync.Mutex
	records []string
}

func (r *recordingRelay) Publish(key, event string, channels []string, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, key+" "+event)
}

func TestRelayPublishAndRemoteDelivery(t *testing.T) {
	relay := &recordingRelay{}
	f := newFixture(t, WithRelay(relay))
	bob := f.online("bob", "b1")

	m, err := f.engine.Send(context.Background(), "alice", model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "hi"})
	require.NoError(t, err)
	require.NoError(t, f.engine.Typing(context.Background(), "alice", model.EventTyping, model.TypingPayload{From: "alice", To: "bob"}))
	assert.Equal(t, []string{m.ConversationKey() + " receive_message", "user:bob typing"}, relay.records)

	frame, err := model.Event{Name: model.EventTyping, Data: model.TypingPayload{From: "dave", To: "bob"}}.Encode()
	require.NoError(t, err)
	n := f.engine.DeliverRemote(model.EventTyping, []string{presence.UserChannel("bob")}, frame)
	assert.Equal(t, 1, n)
	assert.Len(t, bob.events(model.EventTyping), 2)
	assert.Len(t, relay.records, 2, "remote frames are not relayed again")
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")

	acquired := make(chan struct{})
	go func() {
		u := k.Lock("a")
		close(acquired)
		u()
	}()

	// Another key is independent.
	k.Lock("b")()

	select {
	case <-acquired:
		t.Fatal("second holder got the lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, 5*time.Millisecond)
}

type recordingObserver struct {
	ids []int64
	err error
}

func (o *recordingObserver) RecordMessage(_ context.Context, m model.Message) error {
	o.ids = append(o.ids, m.ID)
	return o.err
}

func TestObserverSeesPersistedMessagesOnly(t *testing.T) {
	obs := &recordingObserver{err: errors.New("directory down")}
	f := newFixture(t, WithObserver(obs))
	bob := f.online("bob", "b1")

	m, err := f.engine.Send(context.Background(), "alice", model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: "hi"})
	require.NoError(t, err, "observer failures are not reported to the sender")
	_, err = f.engine.Send(context.Background(), "alice", model.SendMessageRequest{Sender: "alice", Receiver: "bob", Body: ""})
	require.Error(t, err)

	assert.Equal(t, []int64{m.ID}, obs.ids)
	assert.Len(t, bob.messages(t), 1)
}
