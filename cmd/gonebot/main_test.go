package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mrs4s/go-onebot/modules/config"
	"github.com/Mrs4s/go-onebot/obc"
	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

func TestEchoImpl(t *testing.T) {
	h := &echoImpl{}
	h.obc = obc.NewImplOBC(h, obc.Options{SelfID: "10001", Platform: "qq"})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.obc.Close(ctx)
	}()

	a, err := onebot.NewAction("send_message", &onebot.SendMessageParams{
		DetailType: "private",
		UserID:     "20002",
		Message:    onebot.Message{}.Text("hello"),
	})
	require.NoError(t, err)
	resp := h.obc.Dispatch(context.Background(), a)
	require.True(t, resp.IsOK(), resp.Message)
	var data struct {
		MessageID string `json:"message_id"`
	}
	require.NoError(t, resp.DecodeData(&data))
	assert.NotEmpty(t, data.MessageID)

	a, err = onebot.NewAction("send_message", map[string]any{"detail_type": "group", "group_id": "1"})
	require.NoError(t, err)
	assert.Equal(t, onebot.RetBadParam, h.obc.Dispatch(context.Background(), a).Retcode)

	resp = h.obc.Dispatch(context.Background(), &onebot.Action{Action: "get_self_info"})
	require.True(t, resp.IsOK())
	var self struct {
		UserID string `json:"user_id"`
	}
	require.NoError(t, resp.DecodeData(&self))
	assert.Equal(t, "10001", self.UserID)

	assert.Equal(t, onebot.RetUnsupportedAction, h.obc.Dispatch(context.Background(), &onebot.Action{Action: "delete_message"}).Retcode)
}

func TestInitCommand(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yml")
	root := newRootCommand()
	root.SetArgs([]string{"init", "25", "--config", file})
	require.NoError(t, root.Execute())

	conf, err := config.Parse(file)
	require.NoError(t, err)
	require.Len(t, conf.Servers, 2)
	assert.Contains(t, conf.Servers[0], "ws")
	assert.Contains(t, conf.Servers[1], "pprof")
}
