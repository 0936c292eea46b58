package onebot

import (
	"strings"
)

// Segment 消息段
//
// https://12.onebot.dev/interface/message/segments/
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Message 消息, 由若干消息段组成
type Message []Segment

func (m Message) push(typ string, data map[string]any, extend map[string]any) Message {
	if data == nil {
		data = make(map[string]any, len(extend))
	}
	for k, v := range extend {
		if _, ok := data[k]; !ok {
			data[k] = v
		}
	}
	return append(m, Segment{Type: typ, Data: data})
}

// Text 纯文本
func (m Message) Text(text string) Message {
	return m.push("text", map[string]any{"text": text}, nil)
}

// Mention 提及用户
func (m Message) Mention(userID string) Message {
	return m.push("mention", map[string]any{"user_id": userID}, nil)
}

// MentionAll 提及所有人
func (m Message) MentionAll() Message {
	return m.push("mention_all", nil, nil)
}

// Image 图片
func (m Message) Image(fileID string) Message {
	return m.push("image", map[string]any{"file_id": fileID}, nil)
}

// Voice 语音
func (m Message) Voice(fileID string) Message {
	return m.push("voice", map[string]any{"file_id": fileID}, nil)
}

// Audio 音频
func (m Message) Audio(fileID string) Message {
	return m.push("audio", map[string]any{"file_id": fileID}, nil)
}

// Video 视频
func (m Message) Video(fileID string) Message {
	return m.push("video", map[string]any{"file_id": fileID}, nil)
}

// File 文件
func (m Message) File(fileID string) Message {
	return m.push("file", map[string]any{"file_id": fileID}, nil)
}

// Location 位置
func (m Message) Location(latitude, longitude float64, title, content string) Message {
	return m.push("location", map[string]any{
		"latitude":  latitude,
		"longitude": longitude,
		"title":     title,
		"content":   content,
	}, nil)
}

// Reply 回复
func (m Message) Reply(messageID, userID string) Message {
	return m.push("reply", map[string]any{"message_id": messageID, "user_id": userID}, nil)
}

// Custom 扩展消息段, 标准字段之外的数据都放在这里
func (m Message) Custom(typ string, data map[string]any) Message {
	return m.push(typ, nil, data)
}

// Alt 消息的纯文本替代表示, 用于 alt_message
func (m Message) Alt() string {
	var sb strings.Builder
	for _, seg := range m {
		switch seg.Type {
		case "text":
			if s, ok := seg.Data["text"].(string); ok {
				sb.WriteString(s)
			}
		case "mention":
			sb.WriteString("@")
			if s, ok := seg.Data["user_id"].(string); ok {
				sb.WriteString(s)
			}
		case "mention_all":
			sb.WriteString("@全体成员")
		default:
			sb.WriteString("[")
			sb.WriteString(seg.Type)
			sb.WriteString("]")
		}
	}
	return sb.String()
}
