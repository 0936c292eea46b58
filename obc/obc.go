// Package obc 实现 OneBot 通信组件 (OneBot Communication)
//
// ImplOBC 运行在实现端: 接收动作请求并交给 ActionHandler 处理, 向所有连接广播事件.
// AppOBC 运行在应用端: 接收事件并交给 EventHandler 处理, 通过 CallAction 发起动作请求.
//
// 两者都实现 Peer, 传输层(HTTP, WebSocket, 反向 WebSocket)只与 Peer 交互.
package obc

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// Role 通信组件所在的一端
type Role int

// 通信组件角色
const (
	RoleImpl Role = iota
	RoleApp
)

func (r Role) String() string {
	if r == RoleApp {
		return "app"
	}
	return "impl"
}

// Caps 连接能力
type Caps uint8

// 连接能力
const (
	CapEvents Caps = 1 << iota
	CapActions

	CapAll = CapEvents | CapActions
)

// Conn 传输层连接, 每次 Read/Write 对应一条完整消息
//
// Read 只会被一个 goroutine 调用, Write 只会被连接的写协程调用.
// Close 可能被并发调用, 且会使阻塞中的 Read 返回.
type Conn interface {
	ID() string
	Transport() string
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// EventFilter 事件过滤器
type EventFilter interface {
	Eval(payload gjson.Result) bool
}

// ConnOptions 连接选项
type ConnOptions struct {
	Caps Caps
	// Peer 逻辑对端标识, 重连的客户端使用同一个标识, 旧连接会先被移除
	Peer    string
	Filter  EventFilter
	Limiter *rate.Limiter
}

// ConnInfo 连接信息
type ConnInfo struct {
	ID        string
	Transport string
	Peer      string
	Caps      Caps
	Since     time.Time
}

// Peer 传输层使用的通信组件接口
type Peer interface {
	Role() Role
	// Serve 注册并服务一个连接, 阻塞直至连接结束; 返回前已完成清理.
	Serve(ctx context.Context, conn Conn, opt ConnOptions) error
	// Exchange 处理一次 HTTP 请求-响应, reply 为 nil 表示无响应体.
	Exchange(ctx context.Context, data []byte) (reply []byte, err error)
	// Close 关闭所有连接, 在 ctx 结束前等待处理中的请求完成.
	Close(ctx context.Context) error
}

// Options 通信组件配置
type Options struct {
	Impl     string
	Version  string
	Platform string
	SelfID   string

	// ActionTimeout 动作处理(实现端)或等待响应(应用端)的超时时间
	ActionTimeout time.Duration
	// QueueCapacity 每个连接的事件发送队列大小
	QueueCapacity int
	// Heartbeat 心跳事件间隔, 0 为关闭
	Heartbeat time.Duration
}

// 默认值
const (
	DefaultActionTimeout = 30 * time.Second
	DefaultQueueCapacity = 256
)

func (o *Options) normalize() {
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = DefaultActionTimeout
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.Impl == "" {
		o.Impl = "go-onebot"
	}
	if o.Version == "" {
		o.Version = "v1.0.0"
	}
}
