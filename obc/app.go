package obc

import (
	"context"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

// AppOBC 应用端通信组件
type AppOBC struct {
	*hub
	handler onebot.EventHandler
	pending *pendingTable
}

// NewAppOBC 创建应用端通信组件
func NewAppOBC(handler onebot.EventHandler, opt Options) *AppOBC {
	return &AppOBC{
		hub:     newHub(opt),
		handler: handler,
		pending: newPendingTable(),
	}
}

// Role 实现 Peer
func (o *AppOBC) Role() Role { return RoleApp }

// Serve 实现 Peer
func (o *AppOBC) Serve(ctx context.Context, conn Conn, opt ConnOptions) error {
	return o.serve(ctx, conn, opt, nil, o.onFrame, func(s *session) {
		if n := o.pending.failConn(s.id(), onebot.ErrConnectionClosed); n > 0 {
			log.Warnf("连接 %v 已断开, %d 个等待中的动作请求失败", s.id(), n)
		}
	})
}

// Exchange 实现 Peer, 用于 HTTP Webhook 推送的事件
func (o *AppOBC) Exchange(ctx context.Context, data []byte) ([]byte, error) {
	e, err := onebot.UnmarshalEvent(data)
	if err != nil {
		return nil, err
	}
	e.Origin = "webhook"
	if !o.track() {
		return nil, onebot.ErrNotRunning
	}
	go o.dispatch(e)
	return nil, nil
}

// Close 实现 Peer
func (o *AppOBC) Close(ctx context.Context) error {
	return o.shutdown(ctx)
}

func (o *AppOBC) onFrame(s *session, data []byte) {
	kind, err := onebot.Classify(data)
	if err != nil {
		log.Warnf("连接 %v 收到无法解析的数据: %v", s.id(), err)
		return
	}
	switch kind {
	case onebot.KindResponse:
		resp, err := onebot.UnmarshalResponse(data)
		if err != nil {
			log.Warnf("连接 %v 收到无法解析的动作响应: %v", s.id(), err)
			return
		}
		if resp.Echo == "" {
			log.Warnf("连接 %v 收到缺少 echo 的动作响应, 已丢弃", s.id())
			return
		}
		if !o.pending.complete(resp.Echo, s.id(), resp) {
			log.Debugf("连接 %v 收到未匹配的动作响应 echo=%v, 已丢弃", s.id(), resp.Echo)
		}
	case onebot.KindEvent:
		if s.opt.Caps&CapEvents == 0 {
			return
		}
		e, err := onebot.UnmarshalEvent(data)
		if err != nil {
			log.Warnf("连接 %v 收到无法解析的事件: %v", s.id(), err)
			return
		}
		e.Origin = s.id()
		if !o.track() {
			return
		}
		go o.dispatch(e)
	default:
		log.Warnf("连接 %v 收到不支持的消息: %v", s.id(), kind)
	}
}

func (o *AppOBC) dispatch(e *onebot.Event) {
	defer o.wg.Done()
	defer func() {
		if err := recover(); err != nil {
			log.Errorf("处理事件 %v 时发生无法恢复的异常：%v\n%s", e.ID, err, debug.Stack())
		}
	}()
	o.handler.HandleEvent(o.ctx, e)
}

// CallAction 在指定连接上发起动作请求并等待响应
//
// 未指定 echo 时会自动生成. 连接断开返回 ErrConnectionClosed,
// 超时返回 ErrTimeout, ctx 结束返回 ctx.Err().
func (o *AppOBC) CallAction(ctx context.Context, connID string, action *onebot.Action) (*onebot.Response, error) {
	s, ok := o.lookup(connID)
	if !ok {
		return nil, errors.Wrapf(onebot.ErrUnknownConnection, "connection %s", connID)
	}
	if s.opt.Caps&CapActions == 0 {
		return nil, errors.Errorf("connection %s does not accept actions", connID)
	}
	req := *action
	if req.Echo == "" {
		req.Echo = uuid.NewString()
	}
	data, err := onebot.Marshal(&req)
	if err != nil {
		return nil, err
	}
	entry, err := o.pending.add(req.Echo, s.id())
	if err != nil {
		return nil, err
	}
	if s.closed() {
		o.pending.cancel(req.Echo, onebot.ErrConnectionClosed)
		r := <-entry.ch
		return r.resp, r.err
	}

	// 超时从提交请求开始计算, 包含等待写协程的时间
	tctx, cancel := context.WithTimeoutCause(ctx, o.opt.ActionTimeout, onebot.ErrTimeout)
	defer cancel()
	if err := s.send(tctx, data); err != nil {
		if tctx.Err() != nil {
			err = context.Cause(tctx)
		}
		o.pending.cancel(req.Echo, err)
		r := <-entry.ch
		return r.resp, r.err
	}
	log.Debugf("向连接 %v 发送动作请求: %v echo=%v", s.id(), req.Action, req.Echo)

	select {
	case r := <-entry.ch:
		return r.resp, r.err
	case <-tctx.Done():
		o.pending.cancel(req.Echo, context.Cause(tctx))
	}
	r := <-entry.ch
	return r.resp, r.err
}

// Pending 等待响应的请求数量
func (o *AppOBC) Pending() int {
	return o.pending.len()
}
