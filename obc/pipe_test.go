package obc

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeConn 内存连接, in 为对端发来的数据, out 为组件写出的数据
type pipeConn struct {
	id   string
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newPipe(id string, outCap int) *pipeConn {
	return &pipeConn{
		id:   id,
		in:   make(chan []byte, 16),
		out:  make(chan []byte, outCap),
		done: make(chan struct{}),
	}
}

func (c *pipeConn) ID() string        { return c.id }
func (c *pipeConn) Transport() string { return "pipe" }

func (c *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Write(ctx context.Context, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *pipeConn) recv(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-c.out:
		return data
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s: no data received", c.id)
		return nil
	}
}

// serveAsync 在后台服务连接并等待其完成注册
func serveAsync(t *testing.T, p Peer, h *hub, conn *pipeConn, opt ConnOptions) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Serve(context.Background(), conn, opt) }()
	require.Eventually(t, func() bool {
		_, ok := h.lookup(conn.id)
		return ok
	}, 2*time.Second, time.Millisecond)
	return done
}
