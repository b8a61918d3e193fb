package executor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAssignsMonotonicIDs(t *testing.T) {
	r := newRegistry()

	a := r.add(&Session{})
	b := r.add(&Session{})
	assert.Equal(t, SessionID(0), a)
	assert.Equal(t, SessionID(1), b)

	_, ok := r.remove(a)
	require.True(t, ok)
	c := r.add(&Session{})
	assert.Equal(t, SessionID(2), c, "IDs are never reused")

	_, ok = r.get(a)
	assert.False(t, ok)
	_, ok = r.remove(a)
	assert.False(t, ok)
	assert.Equal(t, []SessionID{1, 2}, r.ids())
}

func TestRegistryConcurrentAdd(t *testing.T) {
	r := newRegistry()
	const n = 100

	var wg sync.WaitGroup
	ids := make(chan SessionID, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.add(&Session{})
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[SessionID]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, r.ids(), n)
}

func TestParseSessionID(t *testing.T) {
	id, err := ParseSessionID("42")
	require.NoError(t, err)
	assert.Equal(t, SessionID(42), id)
	assert.Equal(t, "42", id.String())

	_, err = ParseSessionID("-1")
	assert.Error(t, err)
}
