// Package onebot defines the OneBot v12 message model: events, action requests
// and action responses, together with their lossless JSON codec.
package onebot

import (
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Version 实现的 OneBot 标准版本
const Version = "12"

// Status 动作执行状态
type Status string

// 动作执行状态
const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// 返回码
//
// https://12.onebot.dev/connect/data-protocol/action-response/#_2
const (
	RetOK                 int64 = 0
	RetBadRequest         int64 = 10001
	RetUnsupportedAction  int64 = 10002
	RetBadParam           int64 = 10003
	RetBadHandler         int64 = 20001
	RetInternalHandler    int64 = 20002
	RetHandlerTimeout     int64 = 20003
	RetUnsupportedSegment int64 = 10005
)

// Self 机器人自身标识
//
// https://12.onebot.dev/connect/data-protocol/basic-types/#_10
type Self struct {
	Platform string `json:"platform"`
	UserID   string `json:"user_id"`
}

// Fields 扩展字段, 值为原始 JSON, 序列化时原样写回
type Fields map[string]jsoniter.RawMessage

// Get 以 gjson 读取扩展字段, key 可以是 "version.impl" 形式的路径
func (f Fields) Get(key string) gjson.Result {
	if raw, ok := f[key]; ok {
		return gjson.ParseBytes(raw)
	}
	if i := strings.IndexByte(key, '.'); i > 0 {
		if raw, ok := f[key[:i]]; ok {
			return gjson.GetBytes(raw, key[i+1:])
		}
	}
	return gjson.Result{}
}

// Set 设置扩展字段
func (f Fields) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "marshal field %s", key)
	}
	f[key] = raw
	return nil
}

// Keys 返回排序后的字段名
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decode 将字段整体解码到 v
func (f Fields) Decode(v any) error {
	w := newObjectWriter()
	w.extra(f, nil)
	return errors.Wrap(json.Unmarshal(w.bytes(), v), "decode fields")
}

// Merge 将 v 序列化后的对象字段合并进 f
func (f Fields) Merge(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal content")
	}
	obj := gjson.ParseBytes(raw)
	if !obj.IsObject() {
		return errors.New("content must marshal to a json object")
	}
	obj.ForEach(func(key, value gjson.Result) bool {
		f[key.Str] = jsoniter.RawMessage(value.Raw)
		return true
	})
	return nil
}

// Event 事件
//
// https://12.onebot.dev/connect/data-protocol/event/
type Event struct {
	ID         string
	Time       float64
	Type       string
	DetailType string
	SubType    string
	Self       *Self
	Extra      Fields

	// Origin 事件到达的连接, 仅由应用端填写, 不参与序列化
	Origin string
}

// Timestamp 以 time.Time 形式返回事件时间
func (e *Event) Timestamp() time.Time {
	sec := int64(e.Time)
	return time.Unix(sec, int64((e.Time-float64(sec))*float64(time.Second)))
}

// Action 动作请求是应用端为了主动向 OneBot 实现请求服务而发送的数据
//
// https://12.onebot.dev/connect/data-protocol/action-request/
type Action struct {
	Action string
	Params Fields
	Echo   string
	Self   *Self
	Extra  Fields

	// Origin 动作到达的连接, 仅由实现端填写, 不参与序列化
	Origin string
}

// NewAction 构造动作请求, params 为 nil 时参数为空
func NewAction(action string, params any) (*Action, error) {
	a := &Action{Action: action}
	if params != nil {
		a.Params = Fields{}
		if err := a.Params.Merge(params); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// DecodeParams 将动作参数解码到 v
func (a *Action) DecodeParams(v any) error {
	return a.Params.Decode(v)
}

// Response 动作响应是 OneBot 实现收到应用端的动作请求并处理完毕后，发回应用端的数据
//
// https://12.onebot.dev/connect/data-protocol/action-response/
type Response struct {
	Status  Status
	Retcode int64
	Data    jsoniter.RawMessage
	Message string
	Echo    string
	Extra   Fields
}

// OK 生成成功返回值
func OK(data any) *Response {
	r := &Response{Status: StatusOK, Retcode: RetOK}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Failed(RetInternalHandler, err.Error())
		}
		r.Data = raw
	}
	return r
}

// Failed 生成失败返回值
func Failed(code int64, msg string) *Response {
	return &Response{Status: StatusFailed, Retcode: code, Message: msg}
}

// IsOK 是否执行成功
func (r *Response) IsOK() bool {
	return r.Status == StatusOK
}

// DecodeData 将返回数据解码到 v
func (r *Response) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return errors.New("response has no data")
	}
	return errors.Wrap(json.Unmarshal(r.Data, v), "decode response data")
}
