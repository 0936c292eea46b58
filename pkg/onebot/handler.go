package onebot

import "context"

// EventHandler 事件处理者, 应用端使用
//
// 不同事件的处理可能并发进行, 同一连接上的事件按到达顺序开始处理.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *Event)
}

// ActionHandler 动作处理者, 实现端使用
//
// 每次调用必须返回一个响应; 返回的 error 会被转换为失败响应.
// ctx 在超时或强制关闭时被取消, 处理者不应无限阻塞.
type ActionHandler interface {
	HandleAction(ctx context.Context, action *Action) (*Response, error)
}

// EventHandlerFunc 函数形式的 EventHandler
type EventHandlerFunc func(ctx context.Context, event *Event)

// HandleEvent 实现 EventHandler
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *Event) {
	f(ctx, event)
}

// ActionHandlerFunc 函数形式的 ActionHandler
type ActionHandlerFunc func(ctx context.Context, action *Action) (*Response, error)

// HandleAction 实现 ActionHandler
func (f ActionHandlerFunc) HandleAction(ctx context.Context, action *Action) (*Response, error) {
	return f(ctx, action)
}
