package obc

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

// session 一个已注册的连接
type session struct {
	conn  Conn
	opt   ConnOptions
	since time.Time

	events  chan []byte // 事件队列, 满时拒绝新事件
	control chan []byte // 响应与动作请求, 阻塞投递

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newSession(ctx context.Context, conn Conn, opt ConnOptions, capacity int) *session {
	s := &session{
		conn:    conn,
		opt:     opt,
		since:   time.Now(),
		events:  make(chan []byte, capacity),
		control: make(chan []byte),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

func (s *session) id() string { return s.conn.ID() }

func (s *session) info() ConnInfo {
	return ConnInfo{
		ID:        s.conn.ID(),
		Transport: s.conn.Transport(),
		Peer:      s.opt.Peer,
		Caps:      s.opt.Caps,
		Since:     s.since,
	}
}

func (s *session) close() {
	s.once.Do(s.cancel)
}

func (s *session) closed() bool {
	return s.ctx.Err() != nil
}

// enqueueEvent 不阻塞地投递事件
func (s *session) enqueueEvent(data []byte) error {
	if s.closed() {
		return onebot.ErrConnectionClosed
	}
	select {
	case s.events <- data:
		return nil
	case <-s.ctx.Done():
		return onebot.ErrConnectionClosed
	default:
		return onebot.ErrQueueFull
	}
}

// send 投递响应或动作请求, 等待写协程接收
func (s *session) send(ctx context.Context, data []byte) error {
	select {
	case s.control <- data:
		return nil
	case <-s.ctx.Done():
		return onebot.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) writeLoop() {
	for {
		var data []byte
		select {
		case <-s.ctx.Done():
			return
		case data = <-s.control:
		case data = <-s.events:
		}
		if err := s.conn.Write(s.ctx, data); err != nil {
			if !s.closed() {
				log.Warnf("向连接 %v 写入数据时出现错误: %v", s.id(), err)
			}
			s.close()
			return
		}
	}
}

// hub 连接注册表与处理协程管理, 由 ImplOBC 与 AppOBC 共用
type hub struct {
	opt Options

	mu       sync.RWMutex
	sessions map[string]*session
	peers    map[string]*session
	closed   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func newHub(opt Options) *hub {
	opt.normalize()
	h := &hub{
		opt:      opt,
		sessions: make(map[string]*session),
		peers:    make(map[string]*session),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	return h
}

func (h *hub) attach(s *session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return onebot.ErrNotRunning
	}
	if _, ok := h.sessions[s.id()]; ok {
		return errors.Errorf("duplicate connection id %s", s.id())
	}
	if s.opt.Peer != "" {
		if old, ok := h.peers[s.opt.Peer]; ok {
			log.Infof("对端 %v 重新连接, 移除旧连接 %v", s.opt.Peer, old.id())
			delete(h.sessions, old.id())
			old.close()
		}
		h.peers[s.opt.Peer] = s
	}
	h.sessions[s.id()] = s
	return nil
}

func (h *hub) detach(s *session) {
	h.mu.Lock()
	if h.sessions[s.id()] == s {
		delete(h.sessions, s.id())
	}
	if s.opt.Peer != "" && h.peers[s.opt.Peer] == s {
		delete(h.peers, s.opt.Peer)
	}
	h.mu.Unlock()
	s.close()
}

func (h *hub) lookup(id string) (*session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *hub) snapshot() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	return list
}

// Options 组件选项
func (h *hub) Options() Options { return h.opt }

// Connections 当前的所有连接
func (h *hub) Connections() []ConnInfo {
	sessions := h.snapshot()
	infos := make([]ConnInfo, len(sessions))
	for i, s := range sessions {
		infos[i] = s.info()
	}
	return infos
}

// track 记录一次处理协程, 关闭后返回 false
func (h *hub) track() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *hub) running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.closed
}

type frameFunc func(s *session, data []byte)

// serve 连接主循环: 注册, 读取, 清理
func (h *hub) serve(ctx context.Context, conn Conn, opt ConnOptions, onOpen func(*session), onFrame frameFunc, onClose func(*session)) error {
	s := newSession(ctx, conn, opt, h.opt.QueueCapacity)
	if err := h.attach(s); err != nil {
		s.close()
		_ = conn.Close()
		return err
	}
	log.Infof("%v 连接已建立: %v", conn.Transport(), conn.ID())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	if onOpen != nil {
		onOpen(s)
	}
	var err error
	for {
		data, rerr := conn.Read(s.ctx)
		if rerr != nil {
			err = rerr
			break
		}
		onFrame(s, data)
	}

	evicted := s.closed()
	h.detach(s)
	if onClose != nil {
		onClose(s)
	}
	<-writerDone
	_ = conn.Close()
	if evicted {
		log.Infof("%v 连接已关闭: %v", conn.Transport(), conn.ID())
		return nil
	}
	log.Warnf("%v 连接已断开: %v (%v)", conn.Transport(), conn.ID(), err)
	return errors.Wrap(err, "connection lost")
}

// shutdown 关闭全部连接并等待处理协程
func (h *hub) shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return onebot.ErrNotRunning
	}
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		return errors.Wrap(ctx.Err(), "handlers did not finish in grace period")
	}
}
