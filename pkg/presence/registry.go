// Package presence tracks which live connections are subscribed to which
// channels. A channel is either an identity's personal channel or a room.
package presence

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/mahaj/pulsechat/pkg/identity"
)

const (
	userPrefix = "user:"
	roomPrefix = "room:"
)

func UserChannel(id identity.ID) string { return userPrefix + string(id) }
func RoomChannel(room string) string    { return roomPrefix + room }

// Subscriber is a live connection as seen by the registry.
type Subscriber interface {
	// ID is the connection handle, unique per connection.
	ID() string
	// Deliver queues an encoded frame without blocking. It returns false if
	// the connection could not take it.
	Deliver(frame []byte) bool
}

// Mirror is told when an identity gains its first or loses its last
// connection on this node. Implementations must not block.
type Mirror interface {
	Online(id identity.ID)
	Offline(id identity.ID)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	// channel -> connection handle -> subscriber
	channels map[string]map[string]Subscriber
	// connection handle -> joined channels
	joined map[string]map[string]struct{}

	mirror Mirror
}

// NewRegistry returns an empty registry. mirror may be nil.
func NewRegistry(mirror Mirror) *Registry {
	return &Registry{
		channels: make(map[string]map[string]Subscriber),
		joined:   make(map[string]map[string]struct{}),
		mirror:   mirror,
	}
}

// Join subscribes s to channel. Joining twice is a no-op.
func (r *Registry) Join(channel string, s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[string]Subscriber)
		r.channels[channel] = subs
	}
	if _, ok := subs[s.ID()]; ok {
		return
	}
	subs[s.ID()] = s

	chans, ok := r.joined[s.ID()]
	if !ok {
		chans = make(map[string]struct{})
		r.joined[s.ID()] = chans
	}
	chans[channel] = struct{}{}

	glog.V(5).Infof("presence: %s joined %s (%d subscribers)", s.ID(), channel, len(subs))

	// Called under the lock so the mirror sees transitions in order.
	if r.mirror != nil && len(subs) == 1 && strings.HasPrefix(channel, userPrefix) {
		r.mirror.Online(identity.ID(strings.TrimPrefix(channel, userPrefix)))
	}
}

// LeaveChannel unsubscribes the connection with handle conn from one channel.
func (r *Registry) LeaveChannel(channel, conn string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(channel, conn)
}

// Leave unsubscribes the connection from every channel it joined.
func (r *Registry) Leave(conn string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for channel := range r.joined[conn] {
		r.leaveLocked(channel, conn)
	}
	delete(r.joined, conn)
}

func (r *Registry) leaveLocked(channel, conn string) {
	subs, ok := r.channels[channel]
	if !ok {
		return
	}
	if _, ok := subs[conn]; !ok {
		return
	}
	delete(subs, conn)
	if chans, ok := r.joined[conn]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(r.joined, conn)
		}
	}
	glog.V(5).Infof("presence: %s left %s (%d subscribers)", conn, channel, len(subs))

	if len(subs) > 0 {
		return
	}
	delete(r.channels, channel)
	if r.mirror != nil && strings.HasPrefix(channel, userPrefix) {
		r.mirror.Offline(identity.ID(strings.TrimPrefix(channel, userPrefix)))
	}
}

// SubscribersOf returns a snapshot of the channel's subscribers, empty if
// nobody is present.
func (r *Registry) SubscribersOf(channel string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.channels[channel]
	out := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

// Online reports whether id has at least one connection on this node.
func (r *Registry) Online(id identity.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[UserChannel(id)]) > 0
}

// OnlineIdentities lists identities with a connection on this node, sorted.
func (r *Registry) OnlineIdentities() []identity.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []identity.ID
	for channel := range r.channels {
		if strings.HasPrefix(channel, userPrefix) {
			out = append(out, identity.ID(strings.TrimPrefix(channel, userPrefix)))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Channels returns the channels conn has joined, sorted.
func (r *Registry) Channels(conn string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.joined[conn]))
	for channel := range r.joined[conn] {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// Connections is the number of connections with at least one channel.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.joined)
}

// Lookup answers online queries for the retrieval API. RedisMirror answers
// for the whole cluster, Local for this node only.
type Lookup interface {
	IsOnline(ctx context.Context, id identity.ID) (bool, error)
	OnlineIdentities(ctx context.Context) ([]identity.ID, error)
}

// Local adapts a Registry to Lookup.
type Local struct {
	Registry *Registry
}

func (l Local) IsOnline(_ context.Context, id identity.ID) (bool, error) {
	return l.Registry.Online(id), nil
}

func (l Local) OnlineIdentities(context.Context) ([]identity.ID, error) {
	return l.Registry.OnlineIdentities(), nil
}
