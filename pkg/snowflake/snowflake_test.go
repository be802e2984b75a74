package snowflake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNodeRange(t *testing.T) {
	_, err := NewNode(-1)
	assert.ErrorIs(t, err, ErrInvalidNode)
	_, err = NewNode(1024)
	assert.ErrorIs(t, err, ErrInvalidNode)
	_, err = NewNode(1023)
	assert.NoError(t, err)
}

func TestGenerateStrictlyIncreasing(t *testing.T) {
	n, err := NewNode(7)
	require.NoError(t, err)

	var last int64
	for i := 0; i < 10000; i++ {
		id := n.Generate()
		require.Greater(t, id, last)
		last = id
	}
	assert.EqualValues(t, 7, NodeOf(last))
}

func TestGenerateClockBackwards(t *testing.T) {
	n, err := NewNode(1)
	require.NoError(t, err)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	n.now = func() int64 { return clock }

	first := n.Generate()
	clock -= 5000
	second := n.Generate()

	assert.Greater(t, second, first)
	assert.Equal(t, Time(first), Time(second))
}

func TestTimeRoundTrip(t *testing.T) {
	n, err := NewNode(3)
	require.NoError(t, err)

	at := time.Date(2026, 10, 14, 12, 30, 0, 0, time.UTC)
	n.now = func() int64 { return at.UnixMilli() }

	id := n.Generate()
	assert.Equal(t, at, Time(id))

	parsed, err := Parse(Format(id))
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = Parse("abc")
	assert.Error(t, err)
	_, err = Parse("-4")
	assert.Error(t, err)
}
