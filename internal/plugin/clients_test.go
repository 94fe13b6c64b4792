package plugin

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	closed   bool
	closeErr error
}

func (f *fakeClient) Close() error {
	f.closed = true

	return f.closeErr
}

func TestClientCache_GetOrCreate_CallsCreateOnce(t *testing.T) {
	cache := NewClientCache()

	key := ClientKey{PluginName: "http_sink", StateID: "node-1"}

	calls := 0
	create := func() (any, error) {
		calls++

		return &fakeClient{}, nil
	}

	c1, err := cache.GetOrCreate(key, create)
	require.NoError(t, err)

	c2, err := cache.GetOrCreate(key, create)
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, 1, calls)
}

func TestClientCache_GetOrCreate_ConcurrentCallersShareOneClient(t *testing.T) {
	cache := NewClientCache()
	key := ClientKey{PluginName: "http_sink", StateID: "node-1"}

	var calls int
	var mu sync.Mutex

	create := func() (any, error) {
		mu.Lock()
		calls++
		mu.Unlock()

		return &fakeClient{}, nil
	}

	var wg sync.WaitGroup
	results := make([]any, 20)

	for i := range results {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			c, err := cache.GetOrCreate(key, create)
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}

	wg.Wait()

	for _, r := range results {
		assert.Same(t, results[0], r)
	}

	assert.Equal(t, 1, calls)
}

func TestClientCache_GetOrCreate_PropagatesCreateError(t *testing.T) {
	cache := NewClientCache()
	key := ClientKey{PluginName: "http_sink", StateID: "node-1"}

	wantErr := errors.New("dial failed")

	_, err := cache.GetOrCreate(key, func() (any, error) { return nil, wantErr })
	require.Error(t, err)
	assert.True(t, errors.Is(err, wantErr))
}

func TestClientCache_Close_ClosesEveryCloserAndClears(t *testing.T) {
	cache := NewClientCache()

	k1 := ClientKey{PluginName: "http_sink", StateID: "node-1"}
	k2 := ClientKey{PluginName: "http_sink", StateID: "node-2"}

	fc1 := &fakeClient{}
	fc2 := &fakeClient{}

	_, err := cache.GetOrCreate(k1, func() (any, error) { return fc1, nil })
	require.NoError(t, err)

	_, err = cache.GetOrCreate(k2, func() (any, error) { return fc2, nil })
	require.NoError(t, err)

	require.NoError(t, cache.Close())

	assert.True(t, fc1.closed)
	assert.True(t, fc2.closed)
	assert.Empty(t, cache.clients)
}

func TestClientCache_Close_ReturnsFirstErrorButClosesAll(t *testing.T) {
	cache := NewClientCache()

	k1 := ClientKey{PluginName: "http_sink", StateID: "node-1"}
	fc1 := &fakeClient{closeErr: errors.New("boom")}

	_, err := cache.GetOrCreate(k1, func() (any, error) { return fc1, nil })
	require.NoError(t, err)

	err = cache.Close()
	require.Error(t, err)
	assert.True(t, fc1.closed)
}
