package obc

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

// Middleware 动作中间件, 返回非 nil 的响应时不再继续调用后续中间件与处理者
type Middleware func(ctx context.Context, action *onebot.Action) *onebot.Response

// BroadcastResult 一次广播的投递结果, 元素为连接 ID
type BroadcastResult struct {
	Delivered []string
	Filtered  []string
	Dropped   []string
}

// ImplOBC 实现端通信组件
type ImplOBC struct {
	*hub
	handler     onebot.ActionHandler
	middlewares []Middleware
	online      atomic.Bool
	poll        *poller
}

// NewImplOBC 创建实现端通信组件, 默认处理 get_status 与 get_version
func NewImplOBC(handler onebot.ActionHandler, opt Options) *ImplOBC {
	o := &ImplOBC{
		hub:     newHub(opt),
		handler: handler,
	}
	o.online.Store(true)
	o.Use(o.getStatus, o.getVersion)
	return o
}

// Role 实现 Peer
func (o *ImplOBC) Role() Role { return RoleImpl }

// Use 添加动作中间件, 应在开始服务前调用
func (o *ImplOBC) Use(middlewares ...Middleware) {
	o.middlewares = append(o.middlewares, middlewares...)
}

// Serve 实现 Peer
func (o *ImplOBC) Serve(ctx context.Context, conn Conn, opt ConnOptions) error {
	return o.serve(ctx, conn, opt, o.onOpen, o.onFrame, nil)
}

// Exchange 实现 Peer, 处理一次 HTTP 动作请求
func (o *ImplOBC) Exchange(ctx context.Context, data []byte) ([]byte, error) {
	a, err := onebot.UnmarshalAction(data)
	if err != nil {
		return nil, err
	}
	a.Origin = "http"
	if !o.track() {
		return nil, onebot.ErrNotRunning
	}
	defer o.wg.Done()
	hctx, cancel := context.WithCancel(o.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return onebot.Marshal(o.Dispatch(hctx, a))
}

// Close 实现 Peer
func (o *ImplOBC) Close(ctx context.Context) error {
	return o.shutdown(ctx)
}

func (o *ImplOBC) onOpen(s *session) {
	if s.opt.Caps&CapEvents == 0 {
		return
	}
	e, err := o.NewEvent(&onebot.MetaConnect{Version: o.version()})
	if err != nil {
		return
	}
	e.Self = nil
	data, err := onebot.Marshal(e)
	if err != nil {
		return
	}
	if err := s.enqueueEvent(data); err != nil {
		log.Warnf("向连接 %v 发送连接事件失败: %v", s.id(), err)
	}
}

func (o *ImplOBC) onFrame(s *session, data []byte) {
	if s.opt.Caps&CapActions == 0 {
		log.Debugf("连接 %v 不接受动作请求, 已忽略收到的数据", s.id())
		return
	}
	a, err := onebot.UnmarshalAction(data)
	if err != nil {
		log.Warnf("连接 %v 收到无法解析的动作请求: %v", s.id(), err)
		// 能取得 echo 时告知对端请求无效
		if echo := gjson.GetBytes(data, "echo"); echo.Type == gjson.String {
			resp := onebot.Failed(onebot.RetBadRequest, err.Error())
			resp.Echo = echo.Str
			o.reply(s, resp)
		}
		return
	}
	a.Origin = s.id()
	if s.opt.Limiter != nil {
		if err := s.opt.Limiter.Wait(s.ctx); err != nil {
			return
		}
	}
	if !o.track() {
		return
	}
	go func() {
		defer o.wg.Done()
		o.reply(s, o.Dispatch(o.ctx, a))
	}()
}

func (o *ImplOBC) reply(s *session, resp *onebot.Response) {
	data, err := onebot.Marshal(resp)
	if err != nil {
		log.Errorf("序列化动作响应时出现错误: %v", err)
		return
	}
	if err := s.send(o.ctx, data); err != nil {
		log.Warnf("向连接 %v 发送动作响应失败: %v", s.id(), err)
	}
}

// Dispatch 依次调用中间件与处理者, 总是返回一个带有请求 echo 的响应
func (o *ImplOBC) Dispatch(ctx context.Context, a *onebot.Action) *onebot.Response {
	log.Debugf("收到动作请求: %v echo=%v (%v)", a.Action, a.Echo, a.Origin)
	resp := *o.call(ctx, a)
	resp.Echo = a.Echo
	return &resp
}

func (o *ImplOBC) call(ctx context.Context, a *onebot.Action) *onebot.Response {
	for _, m := range o.middlewares {
		if resp := m(ctx, a); resp != nil {
			return resp
		}
	}
	ctx, cancel := context.WithTimeout(ctx, o.opt.ActionTimeout)
	defer cancel()
	ch := make(chan *onebot.Response, 1)
	go func() {
		defer func() {
			if err := recover(); err != nil {
				log.Errorf("处理动作 %v 时发生无法恢复的异常：%v\n%s", a.Action, err, debug.Stack())
				ch <- onebot.Failed(onebot.RetInternalHandler, fmt.Sprintf("%v: %v", onebot.ErrHandlerFailure, err))
			}
		}()
		resp, err := o.handler.HandleAction(ctx, a)
		switch {
		case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
			ch <- onebot.Failed(onebot.RetHandlerTimeout, onebot.ErrTimeout.Error())
		case err != nil:
			log.Warnf("处理动作 %v 时出现错误: %v", a.Action, err)
			ch <- onebot.Failed(onebot.RetInternalHandler, errors.Wrap(onebot.ErrHandlerFailure, err.Error()).Error())
		case resp == nil:
			ch <- onebot.Failed(onebot.RetBadHandler, "handler returned no response")
		default:
			ch <- resp
		}
	}()
	select {
	case resp := <-ch:
		return resp
	case <-ctx.Done():
		log.Warnf("处理动作 %v 超时", a.Action)
		return onebot.Failed(onebot.RetHandlerTimeout, onebot.ErrTimeout.Error())
	}
}

// NewEvent 生成新事件, 填写 id, time 与 self
func (o *ImplOBC) NewEvent(content onebot.EventContent) (*onebot.Event, error) {
	now := time.Now()
	e := &onebot.Event{
		ID:   uuid.NewString(),
		Time: float64(now.UnixNano()) / float64(time.Second),
	}
	if o.opt.Platform != "" || o.opt.SelfID != "" {
		e.Self = &onebot.Self{Platform: o.opt.Platform, UserID: o.opt.SelfID}
	}
	if err := e.SetContent(content); err != nil {
		return nil, err
	}
	return e, nil
}

// Broadcast 向所有可接收事件的连接推送事件
//
// 连接队列已满时拒绝该事件, 连接 ID 记入 Dropped 并返回 ErrQueueFull,
// 其余连接的投递不受影响.
func (o *ImplOBC) Broadcast(e *onebot.Event) (BroadcastResult, error) {
	var ret BroadcastResult
	if !o.running() {
		return ret, onebot.ErrNotRunning
	}
	data, err := onebot.Marshal(e)
	if err != nil {
		return ret, err
	}
	if o.poll != nil {
		o.poll.push(data)
	}
	var payload gjson.Result
	parsed := false
	for _, s := range o.snapshot() {
		if s.opt.Caps&CapEvents == 0 {
			continue
		}
		if s.opt.Filter != nil {
			if !parsed {
				payload, parsed = gjson.ParseBytes(data), true
			}
			if !s.opt.Filter.Eval(payload) {
				ret.Filtered = append(ret.Filtered, s.id())
				continue
			}
		}
		switch err := s.enqueueEvent(data); {
		case err == nil:
			ret.Delivered = append(ret.Delivered, s.id())
		case errors.Is(err, onebot.ErrQueueFull):
			log.Warnf("连接 %v 的事件队列已满, 事件 %v 被丢弃", s.id(), e.ID)
			ret.Dropped = append(ret.Dropped, s.id())
		}
	}
	if len(ret.Dropped) > 0 {
		return ret, errors.Wrapf(onebot.ErrQueueFull, "%d connection(s) dropped event %s", len(ret.Dropped), e.ID)
	}
	return ret, nil
}

// Status 当前运行状态
func (o *ImplOBC) Status() onebot.StatusContent {
	return onebot.StatusContent{Good: o.running(), Online: o.online.Load()}
}

// SetOnline 设置机器人在线状态, 状态变化时广播 status_update 事件
func (o *ImplOBC) SetOnline(online bool) {
	if o.online.Swap(online) == online {
		return
	}
	e, err := o.NewEvent(&onebot.MetaStatusUpdate{Status: o.Status()})
	if err != nil {
		return
	}
	e.Self = nil
	_, _ = o.Broadcast(e)
}

// Background 运行心跳, 直到 ctx 结束或组件关闭
func (o *ImplOBC) Background(ctx context.Context) error {
	if o.opt.Heartbeat <= 0 {
		return nil
	}
	ticker := time.NewTicker(o.opt.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.ctx.Done():
			return nil
		case <-ticker.C:
		}
		e, err := o.NewEvent(&onebot.MetaHeartbeat{
			Interval: o.opt.Heartbeat.Milliseconds(),
			Status:   o.Status(),
		})
		if err != nil {
			return err
		}
		e.Self = nil
		if _, err := o.Broadcast(e); errors.Is(err, onebot.ErrNotRunning) {
			return nil
		}
	}
}

func (o *ImplOBC) version() onebot.VersionContent {
	return onebot.VersionContent{
		Impl:          o.opt.Impl,
		Version:       o.opt.Version,
		OneBotVersion: onebot.Version,
	}
}

func (o *ImplOBC) getStatus(_ context.Context, a *onebot.Action) *onebot.Response {
	if a.Action != "get_status" {
		return nil
	}
	status := o.Status()
	return onebot.OK(map[string]any{
		"good": status.Good,
		"bots": []any{map[string]any{
			"self":   onebot.Self{Platform: o.opt.Platform, UserID: o.opt.SelfID},
			"online": status.Online,
		}},
	})
}

func (o *ImplOBC) getVersion(_ context.Context, a *onebot.Action) *onebot.Response {
	if a.Action != "get_version" {
		return nil
	}
	return onebot.OK(o.version())
}
