// Package session runs the lifecycle of one live connection:
// Connected -> Joined -> Disconnected. It decodes inbound frames, dispatches
// them to the router and guarantees registry cleanup on close.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/identity"
	"github.com/mahaj/pulsechat/pkg/metrics"
	"github.com/mahaj/pulsechat/pkg/model"
	"github.com/mahaj/pulsechat/pkg/presence"
	"github.com/mahaj/pulsechat/pkg/router"
	"github.com/mahaj/pulsechat/pkg/snowflake"
)

type State int

const (
	Connected State = iota
	Joined
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Joined:
		return "joined"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// ErrSlowConsumer is the close cause of a connection whose outbox filled up.
var ErrSlowConsumer = errors.New("outbox full")

type Config struct {
	OutboxSize     int
	RateLimitBurst int
	// RateLimitRefill is the time it takes to earn back one frame.
	RateLimitRefill time.Duration
}

func (c Config) sanitize() Config {
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 20
	}
	if c.RateLimitRefill <= 0 {
		c.RateLimitRefill = time.Second
	}
	return c
}

// Conn is one live connection. It implements presence.Subscriber.
type Conn struct {
	id     string
	authID identity.ID // from the transport, empty if unauthenticated

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rateLimiter

	mu       sync.Mutex
	state    State
	identity identity.ID
	cause    error
}

func (c *Conn) ID() string { return c.id }

// Outbox is drained by the transport writer.
func (c *Conn) Outbox() <-chan []byte { return c.send }

// Done is closed when the connection must be torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Deliver never blocks. A full outbox kicks the connection.
func (c *Conn) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		glog.Errorf("session: %s outbox full, disconnecting", c.id)
		c.kick(ErrSlowConsumer)
		return false
	}
}

func (c *Conn) kick(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		close(c.done)
	})
}

// Err is the reason the connection was kicked, nil for a normal close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Identity() identity.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) joinedAs() (identity.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Joined {
		return "", chaterr.New(chaterr.KindNotJoined, "join first")
	}
	return c.identity, nil
}

type Manager struct {
	registry *presence.Registry
	engine   *router.Engine
	metrics  *metrics.Metrics
	cfg      Config
}

func NewManager(reg *presence.Registry, engine *router.Engine, m *metrics.Metrics, cfg Config) *Manager {
	return &Manager{
		registry: reg,
		engine:   engine,
		metrics:  m,
		cfg:      cfg.sanitize(),
	}
}

// Open starts a connection in the Connected state. authID is the identity
// the transport authenticated, or empty.
func (m *Manager) Open(authID identity.ID) *Conn {
	c := &Conn{
		id:      uuid.New(),
		authID:  authID,
		send:    make(chan []byte, m.cfg.OutboxSize),
		done:    make(chan struct{}),
		limiter: newRateLimiter(m.cfg.RateLimitBurst, m.cfg.RateLimitRefill),
	}
	m.metrics.Connections.Inc()
	glog.V(5).Infof("session: %s opened (auth %q)", c.id, authID)
	return c
}

// Close moves c to Disconnected and removes it from every channel. It is
// safe to call more than once.
func (m *Manager) Close(c *Conn) {
	c.mu.Lock()
	prev := c.state
	c.state = Disconnected
	c.mu.Unlock()

	m.registry.Leave(c.id)
	c.kick(nil)

	if prev == Disconnected {
		return
	}
	m.metrics.Connections.Dec()
	if errors.Is(c.Err(), ErrSlowConsumer) {
		m.metrics.SlowConsumers.Inc()
	}
	glog.V(5).Infof("session: %s closed (was %s as %q)", c.id, prev, c.Identity())
}

// Handle processes one inbound frame to completion. Failures are answered
// with an error event on c only.
func (m *Manager) Handle(ctx context.Context, c *Conn, raw []byte) {
	if c.State() == Disconnected {
		return
	}

	// every frame costs a token, parseable or not
	if !c.limiter.allow() {
		m.reject(c, "", "", chaterr.New(chaterr.KindRateLimited, "too many frames"))
		return
	}
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.reject(c, "", "", chaterr.Validation("malformed frame: %v", err))
		return
	}

	switch env.Event {
	case model.EventJoin:
		var name string
		if err := json.Unmarshal(env.Data, &name); err != nil {
			m.reject(c, env.Event, "", chaterr.Validation("join expects an identity string"))
			return
		}
		if err := m.join(c, name); err != nil {
			m.reject(c, env.Event, "", err)
		}

	case model.EventSendMessage:
		var req model.SendMessageRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			m.reject(c, env.Event, "", chaterr.Validation("bad send_message payload: %v", err))
			return
		}
		from, err := c.joinedAs()
		if err == nil {
			_, err = m.engine.Send(ctx, from, req)
		}
		if err != nil {
			m.reject(c, env.Event, req.ClientRef, err)
		}

	case model.EventTyping, model.EventStopTyping:
		var p model.TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			m.reject(c, env.Event, "", chaterr.Validation("bad %s payload: %v", env.Event, err))
			return
		}
		from, err := c.joinedAs()
		if err == nil {
			err = m.engine.Typing(ctx, from, env.Event, p)
		}
		if err != nil {
			m.reject(c, env.Event, "", err)
		}

	case model.EventDeleteMessage:
		id, err := parseID(env.Data)
		if err != nil {
			m.reject(c, env.Event, "", err)
			return
		}
		from, err := c.joinedAs()
		if err == nil {
			_, err = m.engine.Delete(ctx, from, id)
		}
		if err != nil {
			m.reject(c, env.Event, "", err)
		}

	case model.EventJoinRoom, model.EventLeaveRoom:
		var raw string
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			m.reject(c, env.Event, "", chaterr.Validation("%s expects a room id string", env.Event))
			return
		}
		if err := m.room(c, env.Event, raw); err != nil {
			m.reject(c, env.Event, "", err)
		}

	default:
		m.reject(c, env.Event, "", chaterr.Validation("unknown event %q", env.Event))
	}
}

func (m *Manager) join(c *Conn, name string) error {
	id, err := identity.Normalize(name)
	if err != nil {
		return err
	}
	if c.authID != "" && id != c.authID {
		return chaterr.New(chaterr.KindUnauthorized, "authenticated as %s, cannot join as %s", c.authID, id)
	}

	c.mu.Lock()
	switch {
	case c.state == Disconnected:
		c.mu.Unlock()
		return nil
	case c.state == Joined && c.identity != id:
		current := c.identity
		c.mu.Unlock()
		return chaterr.Validation("already joined as %s", current)
	}
	c.state = Joined
	c.identity = id
	// Registered under c.mu so a concurrent Close cannot slip in between.
	m.registry.Join(presence.UserChannel(id), c)
	c.mu.Unlock()

	glog.V(5).Infof("session: %s joined as %s", c.id, id)
	m.reply(c, model.Event{Name: model.EventJoined, Data: model.JoinedPayload{Identity: id}})
	return nil
}

func (m *Manager) room(c *Conn, event, raw string) error {
	if _, err := c.joinedAs(); err != nil {
		return err
	}
	room, err := identity.NormalizeRoom(raw)
	if err != nil {
		return err
	}
	if event == model.EventJoinRoom {
		m.registry.Join(presence.RoomChannel(room), c)
	} else {
		m.registry.LeaveChannel(presence.RoomChannel(room), c.id)
	}
	return nil
}

func (m *Manager) reject(c *Conn, event, clientRef string, err error) {
	code := chaterr.KindOf(err)
	m.metrics.Rejected.WithLabelValues(string(code)).Inc()
	if code == chaterr.KindInternal || code == chaterr.KindStoreUnavailable {
		glog.Errorf("session: %s %s failed: %v", c.id, event, err)
	} else {
		glog.V(5).Infof("session: %s %s rejected: %v", c.id, event, err)
	}
	m.reply(c, model.ErrorEvent(event, clientRef, err))
}

func (m *Manager) reply(c *Conn, e model.Event) {
	frame, err := e.Encode()
	if err != nil {
		glog.Errorf("session: encode %s error: %v", e.Name, err)
		return
	}
	c.Deliver(frame)
}

// parseID accepts the id as a JSON string or number.
func parseID(data json.RawMessage) (int64, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return 0, chaterr.Validation("delete_message expects a message id")
		}
		s = n.String()
	}
	id, err := snowflake.Parse(s)
	if err != nil {
		return 0, chaterr.Validation("%v", err)
	}
	return id, nil
}
