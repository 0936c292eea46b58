package mongodb

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Mrs4s/go-onebot/db"
)

// 设置 ONEBOT_TEST_MONGODB=mongodb://127.0.0.1:27017 以运行
func TestQueue(t *testing.T) {
	uri := os.Getenv("ONEBOT_TEST_MONGODB")
	if uri == "" {
		t.Skip("ONEBOT_TEST_MONGODB not set")
	}
	q, err := Open(uri, "onebot-test", "events", 3)
	require.NoError(t, err)
	defer q.Close()
	require.NoError(t, q.coll.Drop(context.Background()))
	q.seq = 0

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
	assert.Zero(t, q.Len())
}

func TestDisabled(t *testing.T) {
	var conf map[string]yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte("mongodb: {enable: false}\n"), &conf))
	q, err := db.OpenQueue(conf, 10)
	require.NoError(t, err)
	assert.IsType(t, &db.MemoryQueue{}, q)
}
