package obc

import (
	"sync"

	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

type result struct {
	resp *onebot.Response
	err  error
}

type pendingEntry struct {
	conn string
	ch   chan result // 容量为 1, 只会写入一次
}

// pendingTable echo 到等待中的请求
//
// 条目只会被移除一次, 移除者负责写入结果, 因此不会重复完成.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]*pendingEntry)}
}

func (p *pendingTable) add(echo, conn string) (*pendingEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.m[echo]; ok {
		return nil, onebot.ErrDuplicateEcho
	}
	e := &pendingEntry{conn: conn, ch: make(chan result, 1)}
	p.m[echo] = e
	return e, nil
}

func (p *pendingTable) take(echo, conn string) *pendingEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[echo]
	if !ok || (conn != "" && e.conn != conn) {
		return nil
	}
	delete(p.m, echo)
	return e
}

// complete 以响应完成请求, 没有匹配的条目时返回 false
func (p *pendingTable) complete(echo, conn string, resp *onebot.Response) bool {
	e := p.take(echo, conn)
	if e == nil {
		return false
	}
	e.ch <- result{resp: resp}
	return true
}

// cancel 以错误完成请求, 条目已被其他路径完成时返回 false
func (p *pendingTable) cancel(echo string, err error) bool {
	e := p.take(echo, "")
	if e == nil {
		return false
	}
	e.ch <- result{err: err}
	return true
}

// failConn 以错误完成某连接上的全部请求
func (p *pendingTable) failConn(conn string, err error) int {
	p.mu.Lock()
	var failed []*pendingEntry
	for echo, e := range p.m {
		if e.conn == conn {
			delete(p.m, echo)
			failed = append(failed, e)
		}
	}
	p.mu.Unlock()
	for _, e := range failed {
		e.ch <- result{err: err}
	}
	return len(failed)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
