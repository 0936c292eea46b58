package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(3)
	for _, s := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Push([]byte(s)))
	}
	assert.Equal(t, 3, q.Len())

	items, err := q.Pop(2)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, items)

	items, err = q.Pop(0)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("d")}, items)

	items, err = q.Pop(10)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoError(t, q.Close())
}

func TestMemoryQueueUnlimited(t *testing.T) {
	q := NewMemoryQueue(0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Push([]byte{byte(i)}))
	}
	assert.Equal(t, 1000, q.Len())
}

func TestOpenQueueFallback(t *testing.T) {
	var conf map[string]yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("unknown: {enable: true}\n"), &conf))
	q, err := OpenQueue(conf, 10)
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)

	q, err = OpenQueue(nil, 10)
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)
}

func TestRegisterDuplicate(t *testing.T) {
	Register("test-duplicate", func(yaml.Node, int) (EventQueue, error) { return nil, nil })
	assert.Panics(t, func() {
		Register("test-duplicate", func(yaml.Node, int) (EventQueue, error) { return nil, nil })
	})
}
