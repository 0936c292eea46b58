package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Mrs4s/go-onebot/global"
	"github.com/Mrs4s/go-onebot/modules/config"
	"github.com/Mrs4s/go-onebot/modules/servers"
	"github.com/Mrs4s/go-onebot/obc"
)

const wsWriteTimeout = 15 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// webSocketConn 将 websocket 连接包装为 obc.Conn, 一帧对应一条消息
type webSocketConn struct {
	*websocket.Conn
	id        string
	transport string

	rx, tx atomic.Uint64
	once   sync.Once
}

func newWebSocketConn(c *websocket.Conn, transport, id string, limit int64) *webSocketConn {
	c.SetReadLimit(limit)
	return &webSocketConn{Conn: c, id: id, transport: transport}
}

func (c *webSocketConn) ID() string        { return c.id }
func (c *webSocketConn) Transport() string { return c.transport }

// Read 实现 obc.Conn, 阻塞的读取由 Close 打断
func (c *webSocketConn) Read(_ context.Context) ([]byte, error) {
	_, reader, err := c.NextReader()
	if err != nil {
		return nil, err
	}
	data, err := global.ReadFrame(reader)
	if err != nil {
		return nil, err
	}
	c.rx.Add(uint64(len(data)))
	return data, nil
}

// Write 实现 obc.Conn
func (c *webSocketConn) Write(_ context.Context, data []byte) error {
	_ = c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.tx.Add(uint64(len(data)))
	return nil
}

// Close 实现 obc.Conn
func (c *webSocketConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.Conn.Close()
		log.Debugf("WebSocket 连接 %v 已关闭, 接收 %v, 发送 %v", c.id,
			humanize.Bytes(c.rx.Load()), humanize.Bytes(c.tx.Load()))
	})
	return err
}

// WebSocketServer 正向 WebSocket 服务器
//
// "/" 同时收发事件与动作, "/event" 只推送事件, "/api" 只处理动作.
type WebSocketServer struct {
	peer     obc.Peer
	addr     string
	opt      Options
	listener net.Listener
}

// NewWebSocketServer 创建正向 WebSocket 服务器
func NewWebSocketServer(peer obc.Peer, addr string, opt Options) *WebSocketServer {
	return &WebSocketServer{peer: peer, addr: addr, opt: opt}
}

// Name 实现 core.Transport
func (s *WebSocketServer) Name() string { return s.opt.name("ws://" + s.addr) }

// Mandatory 实现 core.Transport
func (s *WebSocketServer) Mandatory() bool { return s.opt.Mandatory }

// Addr 监听地址, Listen 之后可用
func (s *WebSocketServer) Addr() net.Addr { return s.listener.Addr() }

// Listen 实现 core.Transport
func (s *WebSocketServer) Listen(_ context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// Serve 实现 core.Transport
func (s *WebSocketServer) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/event", s.handle(ctx, obc.CapEvents))
	mux.HandleFunc("/api", s.handle(ctx, obc.CapActions))
	mux.HandleFunc("/", s.handle(ctx, obc.CapAll))
	log.Infof("WebSocket 服务器已启动: %v", s.listener.Addr())
	return serveHTTP(ctx, s.listener, mux)
}

func (s *WebSocketServer) handle(ctx context.Context, caps obc.Caps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := checkAuth(r, s.opt.AccessToken)
		if status != http.StatusOK {
			log.Warnf("已拒绝 %v 的 WebSocket 请求: Token鉴权失败(code:%d)", r.RemoteAddr, status)
			w.WriteHeader(status)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("处理 WebSocket 请求时出现错误: %v", err)
			return
		}
		log.Infof("接受 WebSocket 连接: %v (%v)", r.RemoteAddr, r.URL.Path)
		conn := newWebSocketConn(c, "ws", fmt.Sprintf("ws://%v%v", r.RemoteAddr, r.URL.Path), s.opt.frameLimit())
		if err := s.peer.Serve(ctx, conn, s.opt.connOptions(caps, "")); err != nil {
			log.Debugf("WebSocket 连接 %v 结束: %v", conn.id, err)
		}
	}
}

// serveHTTP 在 ctx 结束时关闭服务器
func serveHTTP(ctx context.Context, listener net.Listener, handler http.Handler) error {
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		_ = server.Close()
	})
	defer stop()
	err := server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func buildWSServer(env *servers.Env, node yaml.Node) (servers.Transport, error) {
	var conf config.WebsocketServer
	if err := node.Decode(&conf); err != nil {
		return nil, errors.Wrap(err, "读取正向WebSocket配置失败")
	}
	if conf.Disabled {
		return nil, nil
	}
	opt, err := middlewareOptions(conf.MiddleWares)
	if err != nil {
		return nil, err
	}
	opt.Mandatory = conf.Mandatory
	opt.MaxFrameSize = env.Conf.FrameLimit()
	addr := conf.Address
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", conf.Host, conf.Port)
	}
	return NewWebSocketServer(env.Peer, addr, opt), nil
}
