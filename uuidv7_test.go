package idemflow

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUUIDv7(t *testing.T) {
	now := time.Now()

	s, err := newUUIDv7(now)
	require.NoError(t, err)

	id, err := uuid.Parse(s)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, uuid.RFC4122, id.Variant())

	ms := int64(id[0])<<40 | int64(id[1])<<32 | int64(id[2])<<24 | int64(id[3])<<16 | int64(id[4])<<8 | int64(id[5])
	assert.Equal(t, now.UnixMilli(), ms)
}

func TestNewUUIDv7Ordering(t *testing.T) {
	base := time.Now()
	a, err := newUUIDv7(base)
	require.NoError(t, err)
	b, err := newUUIDv7(base.Add(time.Second))
	require.NoError(t, err)
	assert.Less(t, a, b, "later timestamps must sort later lexicographically")
}

func TestNewSecureToken(t *testing.T) {
	a, err := newSecureToken()
	require.NoError(t, err)
	b, err := newSecureToken()
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
