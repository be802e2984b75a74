// Package router validates, persists and fans out messages, and relays the
// transient typing events.
package router

import (
	"context"
	"strconv"
	"time"

	"github.com/golang/glog"

	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/metrics"
	"github.com/mahaj/pulsechat/pkg/model"
	"github.com/mahaj/pulsechat/pkg/presence"
	"github.com/mahaj/pulsechat/pkg/store"
)

const defaultPersistTimeout = 5 * time.Second

// Publisher forwards a locally fanned-out frame to the other gateway nodes.
// Publish must not block.
type Publisher interface {
	Publish(key, event string, channels []string, frame []byte)
}

// Observer is told about every persisted message after its fan-out.
// Errors are logged and never reported to the sender.
type Observer interface {
	RecordMessage(ctx context.Context, m model.Message) error
}

type Engine struct {
	store    store.IMessageStore
	registry *presence.Registry
	metrics  *metrics.Metrics
	relay    Publisher
	observer Observer

	// per conversation key, held across append and fan-out
	convLocks      *keyedMutex
	persistTimeout time.Duration
}

type Option func(*Engine)

func WithRelay(p Publisher) Option {
	return func(e *Engine) { e.relay = p }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithPersistTimeout(d time.Duration) Option {
	return func(e *Engine) { e.persistTimeout = d }
}

func New(st store.IMessageStore, reg *presence.Registry, m *metrics.Metrics, opts ...Option) *Engine {
	e := &Engine{
		store:          st,
		registry:       reg,
		metrics:        m,
		convLocks:      newKeyedMutex(),
		persistTimeout: defaultPersistTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send handles send_message from a connection joined as from. The returned
// message has already been persisted and fanned out.
func (e *Engine) Send(ctx context.Context, from identity.ID, req model.SendMessageRequest) (model.Message, error) {
	d, err := req.Draft()
	if err != nil {
		return model.Message{}, err
	}
	if d.Address.From() != from {
		return model.Message{}, chaterr.Validation("sender %q is not the joined identity %q", d.Address.From(), from)
	}
	if err := d.Validate(); err != nil {
		return model.Message{}, err
	}

	m, err := e.persistAndFanOut(ctx, d)
	if err != nil {
		return m, err
	}
	if e.observer != nil {
		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.persistTimeout)
		if err := e.observer.RecordMessage(octx, m); err != nil {
			glog.Errorf("router: observe message %d error: %v", m.ID, err)
		}
		cancel()
	}
	return m, nil
}

// persistAndFanOut holds the conversation lock across append and fan-out so
// every recipient sees store order.
func (e *Engine) persistAndFanOut(ctx context.Context, d model.Draft) (model.Message, error) {
	key := d.Address.Key()
	unlock := e.convLocks.Lock(key)
	defer unlock()

	// The connection may go away while the write is in flight; the write
	// still completes.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.persistTimeout)
	defer cancel()

	start := time.Now()
	m, err := e.store.Append(pctx, d)
	e.metrics.PersistSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if chaterr.Retryable(err) {
			e.metrics.StoreFailures.Inc()
		}
		glog.Errorf("router: append %s from %s error: %v", key, d.Address.From(), err)
		return model.Message{}, err
	}
	e.metrics.Persisted.WithLabelValues(mode(m)).Inc()

	frame, err := model.Event{Name: model.EventReceiveMessage, Data: m}.Encode()
	if err != nil {
		return m, chaterr.Wrap(chaterr.KindInternal, err, "encode message %d", m.ID)
	}
	n := e.broadcast(key, model.EventReceiveMessage, channelsOf(m), frame)
	glog.V(5).Infof("router: message %d in %s delivered to %d connections", m.ID, key, n)
	return m, nil
}

// Typing relays typing or stop_typing to the peer's personal channel only.
// Nothing is stored, and nobody listening is not an error.
func (e *Engine) Typing(ctx context.Context, from identity.ID, event string, p model.TypingPayload) error {
	sender, err := identity.Normalize(p.From)
	if err != nil {
		return err
	}
	if sender != from {
		return chaterr.Validation("typing from %q is not the joined identity %q", sender, from)
	}
	to, err := identity.Normalize(p.To)
	if err != nil {
		return err
	}

	frame, err := model.Event{Name: event, Data: model.TypingPayload{From: string(from), To: string(to)}}.Encode()
	if err != nil {
		return chaterr.Wrap(chaterr.KindInternal, err, "encode %s", event)
	}
	channel := presence.UserChannel(to)
	e.broadcast(channel, event, []string{channel}, frame)
	return nil
}

// Delete soft-deletes a message sent by from and tells everyone subscribed to
// its conversation.
func (e *Engine) Delete(ctx context.Context, from identity.ID, id int64) (model.Message, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.persistTimeout)
	defer cancel()

	m, err := e.store.Get(pctx, id)
	if err != nil {
		return model.Message{}, e.storeErr("get", err)
	}
	if m.Sender != from {
		return model.Message{}, chaterr.New(chaterr.KindUnauthorized, "message %d was not sent by %s", id, from)
	}

	key := m.ConversationKey()
	unlock := e.convLocks.Lock(key)
	defer unlock()

	m, err = e.store.SoftDelete(pctx, id)
	if err != nil {
		return model.Message{}, e.storeErr("soft delete", err)
	}

	frame, err := model.Event{Name: model.EventMessageDeleted, Data: strconv.FormatInt(id, 10)}.Encode()
	if err != nil {
		return m, chaterr.Wrap(chaterr.KindInternal, err, "encode delete %d", id)
	}
	e.broadcast(key, model.EventMessageDeleted, channelsOf(m), frame)
	return m, nil
}

// DeliverRemote fans out a frame received from another node. It is not
// relayed again.
func (e *Engine) DeliverRemote(event string, channels []string, frame []byte) int {
	e.metrics.RelayReceived.Inc()
	return e.fanOut(event, channels, frame)
}

func (e *Engine) broadcast(key, event string, channels []string, frame []byte) int {
	n := e.fanOut(event, channels, frame)
	if e.relay != nil {
		e.relay.Publish(key, event, channels, frame)
		e.metrics.RelayPublished.Inc()
	}
	return n
}

// fanOut queues frame once per connection across channels.
func (e *Engine) fanOut(event string, channels []string, frame []byte) int {
	seen := make(map[string]struct{})
	n := 0
	for _, channel := range channels {
		for _, s := range e.registry.SubscribersOf(channel) {
			if _, ok := seen[s.ID()]; ok {
				continue
			}
			seen[s.ID()] = struct{}{}
			if s.Deliver(frame) {
				n++
			}
		}
	}
	e.metrics.Deliveries.WithLabelValues(event).Add(float64(n))
	return n
}

func (e *Engine) storeErr(op string, err error) error {
	if chaterr.Retryable(err) {
		e.metrics.StoreFailures.Inc()
		glog.Errorf("router: %s error: %v", op, err)
	}
	return err
}

// channelsOf resolves the channels a message is delivered to. A pair message
// goes to both personal channels so the sender's other connections see it.
func channelsOf(m model.Message) []string {
	if m.IsRoom() {
		return []string{presence.RoomChannel(m.RoomID)}
	}
	return []string{presence.UserChannel(m.Sender), presence.UserChannel(m.Receiver)}
}

func mode(m model.Message) string {
	if m.IsRoom() {
		return "room"
	}
	return "pair"
}
