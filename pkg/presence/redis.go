package presence

import (
	"context"
	"sort"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/mahaj/pulsechat/pkg/chaterr"
	"github.com/mahaj/pulsechat/pkg/identity"
)

const (
	nodesKey       = "presence:nodes"
	mirrorQueueLen = 1024
	mirrorTimeout  = 2 * time.Second
)

// nodeKey is the set of identities online on one gateway node. Each node only
// writes its own set, so one node dropping an identity never hides it on
// another.
func nodeKey(node string) string { return "presence:node:" + node }

type mirrorOp struct {
	id     identity.ID
	online bool
}

// RedisMirror publishes this node's online identities to Redis and answers
// cluster-wide online queries.
type RedisMirror struct {
	rdb  *redis.Client
	node string
	ops  chan mirrorOp
}

func NewRedisMirror(rdb *redis.Client, node string) *RedisMirror {
	return &RedisMirror{
		rdb:  rdb,
		node: node,
		ops:  make(chan mirrorOp, mirrorQueueLen),
	}
}

func (m *RedisMirror) Online(id identity.ID)  { m.enqueue(mirrorOp{id: id, online: true}) }
func (m *RedisMirror) Offline(id identity.ID) { m.enqueue(mirrorOp{id: id, online: false}) }

func (m *RedisMirror) enqueue(op mirrorOp) {
	select {
	case m.ops <- op:
	default:
		glog.Errorf("presence mirror: queue full, dropping %s online=%v", op.id, op.online)
	}
}

// Run resets this node's set, left over from a previous run, then applies
// queued transitions in order until ctx is done.
func (m *RedisMirror) Run(ctx context.Context) {
	key := nodeKey(m.node)
	if err := m.rdb.Del(ctx, key).Err(); err != nil {
		glog.Errorf("presence mirror: reset %s error: %v", key, err)
	}
	if err := m.rdb.SAdd(ctx, nodesKey, m.node).Err(); err != nil {
		glog.Errorf("presence mirror: register node %s error: %v", m.node, err)
	}
	glog.Infof("presence mirror: running for node %s", m.node)

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case op := <-m.ops:
			m.apply(op)
		}
	}
}

func (m *RedisMirror) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	var err error
	if op.online {
		err = m.rdb.SAdd(ctx, nodeKey(m.node), string(op.id)).Err()
	} else {
		err = m.rdb.SRem(ctx, nodeKey(m.node), string(op.id)).Err()
	}
	if err != nil {
		glog.Errorf("presence mirror: set %s online=%v error: %v", op.id, op.online, err)
	}
}

func (m *RedisMirror) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	pipe := m.rdb.TxPipeline()
	pipe.Del(ctx, nodeKey(m.node))
	pipe.SRem(ctx, nodesKey, m.node)
	if _, err := pipe.Exec(ctx); err != nil {
		glog.Errorf("presence mirror: shutdown cleanup error: %v", err)
	}
	glog.Infof("presence mirror: stopped for node %s", m.node)
}

// IsOnline reports whether id is online on any node.
func (m *RedisMirror) IsOnline(ctx context.Context, id identity.ID) (bool, error) {
	nodes, err := m.rdb.SMembers(ctx, nodesKey).Result()
	if err != nil {
		return false, chaterr.Unavailable(err, "presence lookup")
	}
	if len(nodes) == 0 {
		return false, nil
	}

	pipe := m.rdb.Pipeline()
	cmds := make([]*redis.BoolCmd, len(nodes))
	for i, node := range nodes {
		cmds[i] = pipe.SIsMember(ctx, nodeKey(node), string(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, chaterr.Unavailable(err, "presence lookup")
	}
	for _, cmd := range cmds {
		if cmd.Val() {
			return true, nil
		}
	}
	return false, nil
}

// OnlineIdentities lists identities online on any node, sorted.
func (m *RedisMirror) OnlineIdentities(ctx context.Context) ([]identity.ID, error) {
	nodes, err := m.rdb.SMembers(ctx, nodesKey).Result()
	if err != nil {
		return nil, chaterr.Unavailable(err, "presence list")
	}
	if len(nodes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(nodes))
	for i, node := range nodes {
		keys[i] = nodeKey(node)
	}
	members, err := m.rdb.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, chaterr.Unavailable(err, "presence list")
	}
	sort.Strings(members)

	out := make([]identity.ID, len(members))
	for i, s := range members {
		out[i] = identity.ID(s)
	}
	return out, nil
}
