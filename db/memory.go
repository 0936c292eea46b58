package db

import (
	"container/list"
	"sync"
)

// MemoryQueue 内存事件队列
type MemoryQueue struct {
	mu      sync.Mutex
	queue   *list.List
	maxSize int
}

// NewMemoryQueue 创建内存队列, maxSize 为 0 表示不限制大小
func NewMemoryQueue(maxSize int) *MemoryQueue {
	return &MemoryQueue{queue: list.New(), maxSize: maxSize}
}

// Push 实现 EventQueue
func (q *MemoryQueue) Push(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue.PushBack(data)
	for q.maxSize != 0 && q.queue.Len() > q.maxSize {
		q.queue.Remove(q.queue.Front())
	}
	return nil
}

// Pop 实现 EventQueue
func (q *MemoryQueue) Pop(limit int) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || q.queue.Len() < limit {
		limit = q.queue.Len()
	}
	ret := make([][]byte, limit)
	for i := 0; i < limit; i++ {
		ret[i] = q.queue.Remove(q.queue.Front()).([]byte)
	}
	return ret, nil
}

// Len 实现 EventQueue
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

// Close 实现 EventQueue
func (q *MemoryQueue) Close() error { return nil }
