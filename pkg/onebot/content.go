package onebot

import (
	"sync"

	"github.com/pkg/errors"
)

// EventContent 事件内容, 由 type 与 detail_type 区分
type EventContent interface {
	EventType() (typ, detailType string)
}

var contents = struct {
	sync.RWMutex
	m map[string]func() EventContent
}{m: make(map[string]func() EventContent)}

func contentKey(typ, detailType string) string {
	return typ + "." + detailType
}

// RegisterEventContent 注册事件内容类型, 通常在 init 中调用
func RegisterEventContent(fn func() EventContent) {
	key := contentKey(fn().EventType())
	contents.Lock()
	defer contents.Unlock()
	if _, ok := contents.m[key]; ok {
		panic("event content " + key + " has existed")
	}
	contents.m[key] = fn
}

// Content 按注册的内容类型解码事件扩展字段
func (e *Event) Content() (EventContent, error) {
	contents.RLock()
	fn, ok := contents.m[contentKey(e.Type, e.DetailType)]
	contents.RUnlock()
	if !ok {
		return nil, errors.Errorf("unregistered event content %s.%s", e.Type, e.DetailType)
	}
	c := fn()
	if err := e.Extra.Decode(c); err != nil {
		return nil, err
	}
	return c, nil
}

// SetContent 写入事件内容, 同时设置 type 与 detail_type
func (e *Event) SetContent(c EventContent) error {
	e.Type, e.DetailType = c.EventType()
	if e.Extra == nil {
		e.Extra = Fields{}
	}
	return e.Extra.Merge(c)
}

// VersionContent 版本信息
type VersionContent struct {
	Impl          string `json:"impl"`
	Version       string `json:"version"`
	OneBotVersion string `json:"onebot_version"`
}

// StatusContent 运行状态
type StatusContent struct {
	Good   bool `json:"good"`
	Online bool `json:"online"`
}

// MetaConnect 连接事件
type MetaConnect struct {
	Version VersionContent `json:"version"`
}

// EventType 实现 EventContent
func (*MetaConnect) EventType() (string, string) { return "meta", "connect" }

// MetaHeartbeat 心跳事件, Interval 单位毫秒
type MetaHeartbeat struct {
	Interval int64         `json:"interval"`
	Status   StatusContent `json:"status"`
}

// EventType 实现 EventContent
func (*MetaHeartbeat) EventType() (string, string) { return "meta", "heartbeat" }

// MetaStatusUpdate 状态更新事件
type MetaStatusUpdate struct {
	Status StatusContent `json:"status"`
}

// EventType 实现 EventContent
func (*MetaStatusUpdate) EventType() (string, string) { return "meta", "status_update" }

// PrivateMessage 私聊消息
type PrivateMessage struct {
	MessageID  string  `json:"message_id"`
	Message    Message `json:"message"`
	AltMessage string  `json:"alt_message"`
	UserID     string  `json:"user_id"`
}

// EventType 实现 EventContent
func (*PrivateMessage) EventType() (string, string) { return "message", "private" }

// GroupMessage 群消息
type GroupMessage struct {
	MessageID  string  `json:"message_id"`
	Message    Message `json:"message"`
	AltMessage string  `json:"alt_message"`
	UserID     string  `json:"user_id"`
	GroupID    string  `json:"group_id"`
}

// EventType 实现 EventContent
func (*GroupMessage) EventType() (string, string) { return "message", "group" }

func init() {
	RegisterEventContent(func() EventContent { return new(MetaConnect) })
	RegisterEventContent(func() EventContent { return new(MetaHeartbeat) })
	RegisterEventContent(func() EventContent { return new(MetaStatusUpdate) })
	RegisterEventContent(func() EventContent { return new(PrivateMessage) })
	RegisterEventContent(func() EventContent { return new(GroupMessage) })
}

// SendMessageParams send_message 动作参数
type SendMessageParams struct {
	DetailType string  `json:"detail_type"`
	UserID     string  `json:"user_id,omitempty"`
	GroupID    string  `json:"group_id,omitempty"`
	Message    Message `json:"message"`
}

// GetLatestEventsParams get_latest_events 动作参数, Timeout 单位秒
type GetLatestEventsParams struct {
	Limit   int   `json:"limit"`
	Timeout int64 `json:"timeout"`
}
