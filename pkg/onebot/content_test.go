package onebot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type customContent struct {
	Value string `json:"value"`
}

func (*customContent) EventType() (string, string) { return "notice", "qq.custom" }

func TestEventContent(t *testing.T) {
	e := &Event{ID: "1", Time: 1}
	msg := Message{}.Text("hello ").Mention("42").Image("f1")
	require.NoError(t, e.SetContent(&PrivateMessage{
		MessageID:  "m1",
		Message:    msg,
		AltMessage: msg.Alt(),
		UserID:     "42",
	}))
	assert.Equal(t, "message", e.Type)
	assert.Equal(t, "private", e.DetailType)

	data, err := Marshal(e)
	require.NoError(t, err)
	parsed, err := UnmarshalEvent(data)
	require.NoError(t, err)
	c, err := parsed.Content()
	require.NoError(t, err)
	pm, ok := c.(*PrivateMessage)
	require.True(t, ok)
	assert.Equal(t, "m1", pm.MessageID)
	assert.Equal(t, "hello @42[image]", pm.AltMessage)
	assert.Len(t, pm.Message, 3)
	assert.Equal(t, "mention", pm.Message[1].Type)
}

func TestRegisterEventContent(t *testing.T) {
	RegisterEventContent(func() EventContent { return new(customContent) })
	assert.Panics(t, func() {
		RegisterEventContent(func() EventContent { return new(customContent) })
	})

	e, err := UnmarshalEvent([]byte(`{"id":"1","time":1,"type":"notice","detail_type":"qq.custom","sub_type":"","value":"v"}`))
	require.NoError(t, err)
	c, err := e.Content()
	require.NoError(t, err)
	assert.Equal(t, "v", c.(*customContent).Value)

	e.DetailType = "unknown"
	_, err = e.Content()
	assert.Error(t, err)
}

func TestActionParams(t *testing.T) {
	a, err := NewAction("send_message", &SendMessageParams{
		DetailType: "group",
		GroupID:    "7",
		Message:    Message{}.Text("hi"),
	})
	require.NoError(t, err)
	var p SendMessageParams
	require.NoError(t, a.DecodeParams(&p))
	assert.Equal(t, "7", p.GroupID)
	assert.Equal(t, "hi", p.Message.Alt())
}

func TestResponseHelpers(t *testing.T) {
	r := OK(map[string]string{"message_id": "42"})
	assert.True(t, r.IsOK())
	var data struct {
		MessageID string `json:"message_id"`
	}
	require.NoError(t, r.DecodeData(&data))
	assert.Equal(t, "42", data.MessageID)

	f := Failed(RetBadParam, "bad")
	assert.False(t, f.IsOK())
	assert.Error(t, f.DecodeData(&data))
}
