package identity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/pulsechat/pkg/chaterr"
)

func TestNormalizeCaseVariants(t *testing.T) {
	for _, raw := range []string{"alice", "Alice", "ALICE", "  aLiCe\t", "\nalice "} {
		id, err := Normalize(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, ID("alice"), id, raw)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	for _, raw := range []string{"", "   ", "\t\n"} {
		_, err := Normalize(raw)
		assert.True(t, errors.Is(err, chaterr.ErrInvalidIdentity), raw)
	}
}

func TestPairKeySymmetric(t *testing.T) {
	a, b := MustNormalize("Bob"), MustNormalize("alice")
	assert.Equal(t, "dm:alice:bob", PairKey(a, b))
	assert.Equal(t, PairKey(a, b), PairKey(b, a))
	assert.Equal(t, PairKey(a, b), PairKey(MustNormalize("BOB"), MustNormalize(" Alice")))
}

func TestNormalizeRejectsSeparators(t *testing.T) {
	for _, raw := range []string{"b:c", "a/b", "#general", "who?", "100%", `back\slash`} {
		_, err := Normalize(raw)
		assert.True(t, errors.Is(err, chaterr.ErrInvalidIdentity), raw)
	}
}

func TestPairKeyDistinctPairs(t *testing.T) {
	// {a, b:c} and {a:b, c} would share dm:a:b:c if ':' were allowed.
	_, err := Normalize("b:c")
	require.Error(t, err)
	assert.NotEqual(t, PairKey("a", "bc"), PairKey("ab", "c"))
}

func TestNormalizeRoom(t *testing.T) {
	r, err := NormalizeRoom("  General ")
	require.NoError(t, err)
	assert.Equal(t, "General", r)
	assert.Equal(t, "room:General", RoomKey(r))

	for _, raw := range []string{"  ", "/", "team/eng", "x/../general", "a:b", "#lobby", ".", ".."} {
		_, err = NormalizeRoom(raw)
		assert.True(t, errors.Is(err, chaterr.ErrValidation), raw)
	}
}
