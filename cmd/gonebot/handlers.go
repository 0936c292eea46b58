package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Mrs4s/go-onebot/obc"
	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

// echoImpl 演示用实现端, 发送的消息会作为私聊消息事件回显
type echoImpl struct {
	obc *obc.ImplOBC
}

var supportedActions = []string{"get_supported_actions", "get_self_info", "send_message", "get_status", "get_version"}

func (h *echoImpl) HandleAction(_ context.Context, a *onebot.Action) (*onebot.Response, error) {
	switch a.Action {
	case "get_supported_actions":
		return onebot.OK(supportedActions), nil
	case "get_self_info":
		return onebot.OK(map[string]string{
			"user_id":          h.obc.Options().SelfID,
			"user_name":        "go-onebot",
			"user_displayname": "",
		}), nil
	case "send_message":
		var p onebot.SendMessageParams
		if err := a.DecodeParams(&p); err != nil {
			return onebot.Failed(onebot.RetBadParam, err.Error()), nil
		}
		if p.DetailType != "private" || p.UserID == "" {
			return onebot.Failed(onebot.RetBadParam, "only private message is supported"), nil
		}
		id := uuid.NewString()
		e, err := h.obc.NewEvent(&onebot.PrivateMessage{
			MessageID:  id,
			Message:    p.Message,
			AltMessage: p.Message.Alt(),
			UserID:     p.UserID,
		})
		if err != nil {
			return nil, errors.Wrap(err, "build echo event")
		}
		if _, err := h.obc.Broadcast(e); err != nil {
			log.Warnf("回显消息 %v 失败: %v", id, err)
		}
		return onebot.OK(map[string]any{"message_id": id, "time": float64(time.Now().UnixMilli()) / 1000}), nil
	}
	return onebot.Failed(onebot.RetUnsupportedAction, "unsupported action: "+a.Action), nil
}

// echoApp 演示用应用端, 收到 ping 时回复 pong
type echoApp struct {
	obc *obc.AppOBC
}

func (h *echoApp) HandleEvent(ctx context.Context, e *onebot.Event) {
	log.Infof("收到来自 %v 的事件: %v.%v", e.Origin, e.Type, e.DetailType)
	c, err := e.Content()
	if err != nil {
		return
	}
	msg, ok := c.(*onebot.PrivateMessage)
	if !ok || msg.AltMessage != "ping" {
		return
	}
	a, err := onebot.NewAction("send_message", &onebot.SendMessageParams{
		DetailType: "private",
		UserID:     msg.UserID,
		Message:    onebot.Message{}.Text("pong"),
	})
	if err != nil {
		return
	}
	a.Self = e.Self
	resp, err := h.obc.CallAction(ctx, e.Origin, a)
	if err != nil {
		log.Warnf("回复消息失败: %v", err)
		return
	}
	if !resp.IsOK() {
		log.Warnf("回复消息失败: %v %v", resp.Retcode, resp.Message)
	}
}
