package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	v := Object{"action_type": String("merge_pr"), "target": String("org/repo#42")}

	h1, err := Hash(DomainFingerprint, v)
	require.NoError(t, err)
	h2, err := Hash(DomainFingerprint, Object{"target": String("org/repo#42"), "action_type": String("merge_pr")})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashDomainSeparation(t *testing.T) {
	v := Object{"x": Int(1)}
	assert.NotEqual(t, MustHash(DomainFingerprint, v), MustHash(DomainIdempotency, v))
}

func TestHashBytesNullSeparator(t *testing.T) {
	// Without the separator "ab"+"c" and "a"+"bc" would collide.
	assert.NotEqual(t, HashBytes("ab", []byte("c")), HashBytes("a", []byte("bc")))
}

func TestHashErrors(t *testing.T) {
	_, err := Hash(DomainEvent, 1.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), DomainEvent)

	assert.Panics(t, func() { MustHash(DomainEvent, nil) })
}

func TestGenesisHashShape(t *testing.T) {
	assert.Len(t, GenesisHash, 64)
}
