package onebot

import (
	"bytes"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Kind 消息种类
type Kind int

// 消息种类
const (
	KindUnknown Kind = iota
	KindEvent
	KindAction
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindAction:
		return "action"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

var (
	eventKeys    = keySet("id", "time", "type", "detail_type", "sub_type", "self")
	actionKeys   = keySet("action", "params", "echo", "self")
	responseKeys = keySet("status", "retcode", "data", "message", "echo")
)

func keySet(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// MaxDepth 允许的最大嵌套层数
const MaxDepth = 256

// ValidJSON 校验 data 为合法 JSON 且嵌套层数不超过 MaxDepth
func ValidJSON(data []byte) bool {
	return depthWithin(data, MaxDepth) && gjson.ValidBytes(data)
}

// depthWithin 扫描括号层数, 字符串内容不计入
func depthWithin(data []byte, limit int) bool {
	depth := 0
	inString := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > limit {
				return false
			}
		case '}', ']':
			depth--
		}
	}
	return true
}

func parseObject(data []byte) (gjson.Result, error) {
	if !depthWithin(data, MaxDepth) {
		return gjson.Result{}, malformed("nesting exceeds %d levels", MaxDepth)
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, malformed("invalid json")
	}
	j := gjson.ParseBytes(data)
	if !j.IsObject() {
		return gjson.Result{}, malformed("not a json object")
	}
	return j, nil
}

// Classify 判断一帧数据的消息种类
func Classify(data []byte) (Kind, error) {
	j, err := parseObject(data)
	if err != nil {
		return KindUnknown, err
	}
	switch {
	case j.Get("action").Exists():
		return KindAction, nil
	case j.Get("status").Exists() && j.Get("retcode").Exists():
		return KindResponse, nil
	case j.Get("type").Exists() && j.Get("id").Exists():
		return KindEvent, nil
	}
	return KindUnknown, malformed("unable to determine message kind")
}

func requireString(j gjson.Result, key string) (string, error) {
	v := j.Get(key)
	if !v.Exists() {
		return "", malformed("missing field %q", key)
	}
	if v.Type != gjson.String {
		return "", malformed("field %q must be a string", key)
	}
	return v.Str, nil
}

func optionalString(j gjson.Result, key string) (string, error) {
	v := j.Get(key)
	switch v.Type {
	case gjson.Null:
		return "", nil
	case gjson.String:
		return v.Str, nil
	}
	return "", malformed("field %q must be a string", key)
}

// echo 允许字符串或数字, 数字按原文处理
func parseEcho(j gjson.Result) (string, error) {
	v := j.Get("echo")
	switch v.Type {
	case gjson.Null:
		return "", nil
	case gjson.String:
		return v.Str, nil
	case gjson.Number:
		return v.Raw, nil
	}
	return "", malformed("field \"echo\" must be a string")
}

func parseSelf(j gjson.Result) (*Self, error) {
	v := j.Get("self")
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	if !v.IsObject() {
		return nil, malformed("field \"self\" must be an object")
	}
	platform, err := requireString(v, "platform")
	if err != nil {
		return nil, err
	}
	uid, err := requireString(v, "user_id")
	if err != nil {
		return nil, err
	}
	return &Self{Platform: platform, UserID: uid}, nil
}

// gjson 的路径语法会解析 key 中的特殊字符, 这里按对象遍历收集
func collect(j gjson.Result, reserved map[string]struct{}) Fields {
	var f Fields
	j.ForEach(func(key, value gjson.Result) bool {
		if _, ok := reserved[key.Str]; ok {
			return true
		}
		if f == nil {
			f = Fields{}
		}
		f[key.Str] = jsoniter.RawMessage(value.Raw)
		return true
	})
	return f
}

func objectFields(j gjson.Result, key string) (Fields, error) {
	v := j.Get(key)
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	if !v.IsObject() {
		return nil, malformed("field %q must be an object", key)
	}
	return collect(v, nil), nil
}

// UnmarshalEvent 反序列化事件
func UnmarshalEvent(data []byte) (*Event, error) {
	j, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	e := &Event{}
	if e.ID, err = requireString(j, "id"); err != nil {
		return nil, err
	}
	if e.Type, err = requireString(j, "type"); err != nil {
		return nil, err
	}
	if e.DetailType, err = optionalString(j, "detail_type"); err != nil {
		return nil, err
	}
	if e.SubType, err = optionalString(j, "sub_type"); err != nil {
		return nil, err
	}
	t := j.Get("time")
	if t.Type != gjson.Number {
		return nil, malformed("field \"time\" must be a number")
	}
	e.Time = t.Float()
	if e.Self, err = parseSelf(j); err != nil {
		return nil, err
	}
	e.Extra = collect(j, eventKeys)
	return e, nil
}

// UnmarshalAction 反序列化动作请求
func UnmarshalAction(data []byte) (*Action, error) {
	j, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	a := &Action{}
	if a.Action, err = requireString(j, "action"); err != nil {
		return nil, err
	}
	if a.Action == "" {
		return nil, malformed("empty action name")
	}
	if a.Params, err = objectFields(j, "params"); err != nil {
		return nil, err
	}
	if a.Echo, err = parseEcho(j); err != nil {
		return nil, err
	}
	if a.Self, err = parseSelf(j); err != nil {
		return nil, err
	}
	a.Extra = collect(j, actionKeys)
	return a, nil
}

// UnmarshalResponse 反序列化动作响应
func UnmarshalResponse(data []byte) (*Response, error) {
	j, err := parseObject(data)
	if err != nil {
		return nil, err
	}
	r := &Response{}
	status, err := requireString(j, "status")
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	code := j.Get("retcode")
	if code.Type != gjson.Number {
		return nil, malformed("field \"retcode\" must be a number")
	}
	r.Retcode = code.Int()
	if d := j.Get("data"); d.Exists() && d.Type != gjson.Null {
		r.Data = jsoniter.RawMessage(d.Raw)
	}
	if r.Message, err = optionalString(j, "message"); err != nil {
		return nil, err
	}
	if r.Echo, err = parseEcho(j); err != nil {
		return nil, err
	}
	r.Extra = collect(j, responseKeys)
	return r, nil
}

// Marshal 序列化 *Event, *Action 或 *Response
func Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Event:
		return m.MarshalJSON()
	case *Action:
		return m.MarshalJSON()
	case *Response:
		return m.MarshalJSON()
	}
	return nil, errors.Errorf("unsupported message type %T", v)
}

// MarshalJSON 实现 json.Marshaler
func (e *Event) MarshalJSON() ([]byte, error) {
	w := newObjectWriter()
	w.value("id", e.ID)
	w.value("time", e.Time)
	w.value("type", e.Type)
	w.value("detail_type", e.DetailType)
	w.value("sub_type", e.SubType)
	if e.Self != nil {
		w.value("self", e.Self)
	}
	w.extra(e.Extra, eventKeys)
	return w.result()
}

// MarshalJSON 实现 json.Marshaler
func (a *Action) MarshalJSON() ([]byte, error) {
	w := newObjectWriter()
	w.value("action", a.Action)
	w.object("params", a.Params)
	if a.Echo != "" {
		w.value("echo", a.Echo)
	}
	if a.Self != nil {
		w.value("self", a.Self)
	}
	w.extra(a.Extra, actionKeys)
	return w.result()
}

// MarshalJSON 实现 json.Marshaler
func (r *Response) MarshalJSON() ([]byte, error) {
	w := newObjectWriter()
	w.value("status", r.Status)
	w.value("retcode", r.Retcode)
	if len(r.Data) > 0 {
		w.raw("data", r.Data)
	} else {
		w.raw("data", []byte("null"))
	}
	w.value("message", r.Message)
	if r.Echo != "" {
		w.value("echo", r.Echo)
	}
	w.extra(r.Extra, responseKeys)
	return w.result()
}

type objectWriter struct {
	buf bytes.Buffer
	n   int
	err error
}

func newObjectWriter() *objectWriter {
	w := &objectWriter{}
	w.buf.WriteByte('{')
	return w
}

func (w *objectWriter) key(k string) {
	if w.n > 0 {
		w.buf.WriteByte(',')
	}
	w.n++
	kb, _ := json.Marshal(k)
	w.buf.Write(kb)
	w.buf.WriteByte(':')
}

func (w *objectWriter) raw(k string, raw []byte) {
	w.key(k)
	w.buf.Write(raw)
}

func (w *objectWriter) value(k string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		if w.err == nil {
			w.err = errors.Wrapf(err, "marshal field %s", k)
		}
		return
	}
	w.raw(k, b)
}

func (w *objectWriter) object(k string, f Fields) {
	w.key(k)
	w.buf.WriteByte('{')
	for i, fk := range f.Keys() {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		kb, _ := json.Marshal(fk)
		w.buf.Write(kb)
		w.buf.WriteByte(':')
		if raw := f[fk]; len(raw) > 0 {
			w.buf.Write(raw)
		} else {
			w.buf.WriteString("null")
		}
	}
	w.buf.WriteByte('}')
}

func (w *objectWriter) extra(f Fields, reserved map[string]struct{}) {
	for _, k := range f.Keys() {
		if _, ok := reserved[k]; ok {
			continue
		}
		raw := f[k]
		if len(raw) == 0 {
			raw = []byte("null")
		}
		w.raw(k, raw)
	}
}

func (w *objectWriter) bytes() []byte {
	w.buf.WriteByte('}')
	return w.buf.Bytes()
}

func (w *objectWriter) result() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.bytes(), nil
}
