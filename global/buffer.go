// Package global 包含日志、信号处理与缓冲池等全局工具
package global

import (
	"bytes"
	"io"
	"sync"
)

// maxPooledFrame 超过该容量的缓冲不放回池中, 避免偶发的大消息长期占用内存
const maxPooledFrame = 1 << 16

// framePool 读取 WebSocket 帧与 HTTP Body 时复用的缓冲
var framePool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// NewBuffer 从池中获取一个空的缓冲
func NewBuffer() *bytes.Buffer {
	return framePool.Get().(*bytes.Buffer)
}

// PutBuffer 归还缓冲, 之后不能再使用其中的数据
func PutBuffer(buf *bytes.Buffer) {
	if buf != nil && buf.Cap() < maxPooledFrame {
		buf.Reset()
		framePool.Put(buf)
	}
}

// ReadFrame 借助池中的缓冲读取 r 的全部内容, 返回的切片不与缓冲共享内存
func ReadFrame(r io.Reader) ([]byte, error) {
	buf := NewBuffer()
	defer PutBuffer(buf)
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}
