package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/pulsechat/pkg/identity"
)

// Requires a running server, e.g. REDIS_TEST_ADDR=localhost:6379.
func TestRedisMirror(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	n1 := NewRedisMirror(rdb, "test-n1")
	n2 := NewRedisMirror(rdb, "test-n2")
	done := make(chan struct{}, 2)
	for _, m := range []*RedisMirror{n1, n2} {
		go func(m *RedisMirror) {
			m.Run(ctx)
			done <- struct{}{}
		}(m)
	}

	n1.Online("alice")
	n2.Online("alice")
	n2.Online("bob")
	n1.Offline("alice")

	require.Eventually(t, func() bool {
		ids, err := n1.OnlineIdentities(context.Background())
		return err == nil && len(ids) == 2
	}, 2*time.Second, 20*time.Millisecond)

	online, err := n1.IsOnline(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, online, "alice is still online on n2")

	ids, err := n2.OnlineIdentities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []identity.ID{"alice", "bob"}, ids)

	cancel()
	<-done
	<-done

	online, err = n1.IsOnline(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, online)
}
