package obc

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Mrs4s/go-onebot/db"
	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

// RateLimit 全局限速中间件, frequency 为每秒请求数
func RateLimit(frequency float64, bucketSize int) Middleware {
	if bucketSize <= 0 {
		bucketSize = 1
	}
	limiter := rate.NewLimiter(rate.Limit(frequency), bucketSize)
	return func(ctx context.Context, _ *onebot.Action) *onebot.Response {
		if err := limiter.Wait(ctx); err != nil {
			return onebot.Failed(onebot.RetInternalHandler, err.Error())
		}
		return nil
	}
}

// poller get_latest_events 使用的事件队列
type poller struct {
	queue db.EventQueue

	mu     sync.Mutex
	notify chan struct{} // 有新事件时关闭并替换
}

func (p *poller) push(data []byte) {
	if err := p.queue.Push(data); err != nil {
		log.Warnf("事件写入轮询队列失败: %v", err)
		return
	}
	p.mu.Lock()
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
}

func (p *poller) wait() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notify
}

// EnablePolling 启用 get_latest_events, 此后广播的事件同时写入 queue
//
// queue 由调用者在组件关闭后释放.
func (o *ImplOBC) EnablePolling(queue db.EventQueue) {
	o.poll = &poller{queue: queue, notify: make(chan struct{})}
	o.Use(o.getLatestEvents)
}

func (o *ImplOBC) getLatestEvents(ctx context.Context, a *onebot.Action) *onebot.Response {
	if a.Action != "get_latest_events" {
		return nil
	}
	var params onebot.GetLatestEventsParams
	if a.Params != nil {
		if err := a.DecodeParams(&params); err != nil {
			return onebot.Failed(onebot.RetBadParam, err.Error())
		}
	}
	if params.Timeout > 0 {
		deadline := time.NewTimer(time.Duration(params.Timeout) * time.Second)
		defer deadline.Stop()
		for o.poll.queue.Len() == 0 {
			notify := o.poll.wait()
			if o.poll.queue.Len() > 0 {
				break
			}
			select {
			case <-notify:
			case <-deadline.C:
				return onebot.OK([]jsoniter.RawMessage{})
			case <-ctx.Done():
				return onebot.Failed(onebot.RetHandlerTimeout, ctx.Err().Error())
			}
		}
	}
	events, err := o.poll.queue.Pop(params.Limit)
	if err != nil {
		return onebot.Failed(onebot.RetInternalHandler, err.Error())
	}
	ret := make([]jsoniter.RawMessage, len(events))
	for i, e := range events {
		ret[i] = e
	}
	return onebot.OK(ret)
}
