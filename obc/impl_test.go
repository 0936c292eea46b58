package obc

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Mrs4s/go-onebot/db"
	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

type filterFunc func(gjson.Result) bool

func (f filterFunc) Eval(payload gjson.Result) bool { return f(payload) }

func echoHandler() onebot.ActionHandler {
	return onebot.ActionHandlerFunc(func(ctx context.Context, a *onebot.Action) (*onebot.Response, error) {
		switch a.Action {
		case "send_message":
			return onebot.OK(map[string]string{"message_id": "42"}), nil
		case "fail":
			return nil, errors.New("boom")
		case "panic":
			panic("boom")
		case "nil":
			return nil, nil
		case "block":
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return onebot.Failed(onebot.RetUnsupportedAction, "unsupported action"), nil
	})
}

func closeImpl(t *testing.T, o *ImplOBC) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = o.Close(ctx)
}

func TestImplDispatch(t *testing.T) {
	o := NewImplOBC(echoHandler(), Options{ActionTimeout: 50 * time.Millisecond, Impl: "test", Version: "1.2.3"})
	defer closeImpl(t, o)

	tests := []struct {
		action  string
		status  onebot.Status
		retcode int64
	}{
		{"send_message", onebot.StatusOK, onebot.RetOK},
		{"unknown", onebot.StatusFailed, onebot.RetUnsupportedAction},
		{"fail", onebot.StatusFailed, onebot.RetInternalHandler},
		{"panic", onebot.StatusFailed, onebot.RetInternalHandler},
		{"nil", onebot.StatusFailed, onebot.RetBadHandler},
		{"block", onebot.StatusFailed, onebot.RetHandlerTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			resp := o.Dispatch(context.Background(), &onebot.Action{Action: tt.action, Echo: "e-" + tt.action})
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.retcode, resp.Retcode)
			assert.Equal(t, "e-"+tt.action, resp.Echo)
		})
	}

	resp := o.Dispatch(context.Background(), &onebot.Action{Action: "get_version"})
	require.True(t, resp.IsOK())
	assert.Equal(t, "test", gjson.GetBytes(resp.Data, "impl").String())
	assert.Equal(t, onebot.Version, gjson.GetBytes(resp.Data, "onebot_version").String())

	resp = o.Dispatch(context.Background(), &onebot.Action{Action: "get_status"})
	require.True(t, resp.IsOK())
	assert.True(t, gjson.GetBytes(resp.Data, "good").Bool())
	assert.True(t, gjson.GetBytes(resp.Data, "bots.0.online").Bool())
}

func TestImplMiddleware(t *testing.T) {
	o := NewImplOBC(echoHandler(), Options{})
	defer closeImpl(t, o)
	o.Use(func(_ context.Context, a *onebot.Action) *onebot.Response {
		if a.Action == "send_message" {
			return onebot.Failed(onebot.RetBadParam, "blocked")
		}
		return nil
	})
	resp := o.Dispatch(context.Background(), &onebot.Action{Action: "send_message"})
	assert.Equal(t, onebot.RetBadParam, resp.Retcode)
}

func TestImplServeAction(t *testing.T) {
	o := NewImplOBC(echoHandler(), Options{})
	conn := newPipe("c1", 16)
	done := serveAsync(t, o, o.hub, conn, ConnOptions{Caps: CapActions})

	conn.in <- []byte(`{"action":"send_message","params":{"detail_type":"private","user_id":"1"},"echo":"t1"}`)
	resp, err := onebot.UnmarshalResponse(conn.recv(t))
	require.NoError(t, err)
	assert.Equal(t, "t1", resp.Echo)
	assert.Equal(t, "42", gjson.GetBytes(resp.Data, "message_id").String())

	// 无法解析但带有 echo 的请求返回 bad request, 连接继续可用
	conn.in <- []byte(`{"params":{},"echo":"t2"}`)
	resp, err = onebot.UnmarshalResponse(conn.recv(t))
	require.NoError(t, err)
	assert.Equal(t, "t2", resp.Echo)
	assert.Equal(t, onebot.RetBadRequest, resp.Retcode)

	conn.in <- []byte(`not json`)
	conn.in <- []byte(`{"action":"get_version","echo":"t3"}`)
	resp, err = onebot.UnmarshalResponse(conn.recv(t))
	require.NoError(t, err)
	assert.Equal(t, "t3", resp.Echo)

	_ = conn.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.Empty(t, o.Connections())
	closeImpl(t, o)
}

func TestImplExchange(t *testing.T) {
	o := NewImplOBC(echoHandler(), Options{})
	data, err := o.Exchange(context.Background(), []byte(`{"action":"send_message","params":{},"echo":1}`))
	require.NoError(t, err)
	assert.Equal(t, "1", gjson.GetBytes(data, "echo").String())
	assert.Equal(t, "ok", gjson.GetBytes(data, "status").String())

	_, err = o.Exchange(context.Background(), []byte(`{"params":{}}`))
	assert.ErrorIs(t, err, onebot.ErrMalformedMessage)

	closeImpl(t, o)
	_, err = o.Exchange(context.Background(), []byte(`{"action":"get_version"}`))
	assert.ErrorIs(t, err, onebot.ErrNotRunning)
}

func TestImplConnectEvent(t *testing.T) {
	o := NewImplOBC(echoHandler(), Options{Impl: "test"})
	defer closeImpl(t, o)
	conn := newPipe("c1", 16)
	serveAsync(t, o, o.hub, conn, ConnOptions{Caps: CapAll})

	e, err := onebot.UnmarshalEvent(conn.recv(t))
	require.NoError(t, err)
	assert.Equal(t, "meta", e.Type)
	assert.Equal(t, "connect", e.DetailType)
	assert.Equal(t, "test", e.Extra.Get("version.impl").String())
}

func TestBroadcastFanOut(t *testing.T) {
	o := NewImplOBC(echoHandler(), Options{QueueCapacity: 128, Platform: "qq", SelfID: "10001"})
	defer closeImpl(t, o)

	// c0 从不读取, 写协程会一直阻塞
	stuck := newPipe("c0", 0)
	serveAsync(t, o, o.hub, stuck, ConnOptions{Caps: CapEvents})
	conns := make([]*pipeConn, 9)
	for i := range conns {
		conns[i] = newPipe("c"+strconv.Itoa(i+1), 256)
		serveAsync(t, o, o.hub, conns[i], ConnOptions{Caps: CapEvents})
		e, err := onebot.UnmarshalEvent(conns[i].recv(t))
		require.NoError(t, err)
		require.Equal(t, "connect", e.DetailType)
	}

	start := time.Now()
	for i := 0; i < 100; i++ {
		e, err := o.NewEvent(&onebot.PrivateMessage{MessageID: strconv.Itoa(i), UserID: "1"})
		require.NoError(t, err)
		ret, err := o.Broadcast(e)
		require.NoError(t, err)
		assert.Len(t, ret.Delivered, 10)
	}
	assert.Less(t, time.Since(start), time.Second)

	for _, c := range conns {
		for i := 0; i < 100; i++ {
			e, err := onebot.UnmarshalEvent(c.recv(t))
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(i), e.Extra.Get("message_id").String())
			assert.Equal(t, "10001", e.Self.UserID)
		}
	}
}

func TestBroadcastOverflow(t *testing.T) {
	o := NewImplOBC(echoHandler(), Options{QueueCapacity: 4})
	defer closeImpl(t, o)
	stuck := newPipe("c0", 0)
	serveAsync(t, o, o.hub, stuck, ConnOptions{Caps: CapEvents})

	var delivered, dropped int
	for i := 0; i < 10; i++ {
		e, err := o.NewEvent(&onebot.PrivateMessage{MessageID: strconv.Itoa(i)})
		require.NoError(t, err)
		ret, err := o.Broadcast(e)
		if err != nil {
			assert.ErrorIs(t, err, onebot.ErrQueueFull)
			assert.Equal(t, []string{"c0"}, ret.Dropped)
		}
		delivered += len(ret.Delivered)
		dropped += len(ret.Dropped)
	}
	assert.Equal(t, 10, delivered+dropped)
	assert.GreaterOrEqual(t, dropped, 5)
}

func TestBroadcastFilter(t *testing.T) {
	o := NewImplOBC(echoHandler(), Options{})
	defer closeImpl(t, o)
	conn := newPipe("c1", 16)
	serveAsync(t, o, o.hub, conn, ConnOptions{
		Caps: CapEvents,
		Filter: filterFunc(func(p gjson.Result) bool {
			return p.Get("detail_type").String() != "group"
		}),
	})
	actions := newPipe("c2", 16)
	serveAsync(t, o, o.hub, actions, ConnOptions{Caps: CapActions})

	e, _ := o.NewEvent(&onebot.GroupMessage{MessageID: "1", GroupID: "2"})
	ret, err := o.Broadcast(e)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ret.Filtered)
	assert.Empty(t, ret.Delivered)
}

func TestImplPeerEviction(t *testing.T) {
	o := NewImplOBC(echoHandler(), Options{})
	defer closeImpl(t, o)
	first := newPipe("c1", 16)
	done := serveAsync(t, o, o.hub, first, ConnOptions{Caps: CapActions, Peer: "ws-reverse://remote"})
	second := newPipe("c2", 16)
	serveAsync(t, o, o.hub, second, ConnOptions{Caps: CapActions, Peer: "ws-reverse://remote"})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stale connection was not evicted")
	}
	infos := o.Connections()
	require.Len(t, infos, 1)
	assert.Equal(t, "c2", infos[0].ID)
}

func TestImplShutdown(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	o := NewImplOBC(onebot.ActionHandlerFunc(func(ctx context.Context, _ *onebot.Action) (*onebot.Response, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}), Options{ActionTimeout: time.Minute})
	conn := newPipe("c1", 16)
	done := serveAsync(t, o, o.hub, conn, ConnOptions{Caps: CapActions})
	conn.in <- []byte(`{"action":"slow","echo":"1"}`)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, o.Close(ctx))
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.ErrorIs(t, o.Close(context.Background()), onebot.ErrNotRunning)
	assert.False(t, o.Status().Good)
	assert.ErrorIs(t, o.Serve(context.Background(), newPipe("c2", 1), ConnOptions{}), onebot.ErrNotRunning)
}

func TestHeartbeat(t *testing.T) {
	o := NewImplOBC(echoHandler(), Options{Heartbeat: 20 * time.Millisecond})
	conn := newPipe("c1", 16)
	serveAsync(t, o, o.hub, conn, ConnOptions{Caps: CapEvents})
	ctx, cancel := context.WithCancel(context.Background())
	bg := make(chan error, 1)
	go func() { bg <- o.Background(ctx) }()

	_ = conn.recv(t) // connect
	e, err := onebot.UnmarshalEvent(conn.recv(t))
	require.NoError(t, err)
	assert.Equal(t, "heartbeat", e.DetailType)
	assert.Equal(t, int64(20), e.Extra.Get("interval").Int())
	assert.True(t, e.Extra.Get("status.good").Bool())

	cancel()
	assert.NoError(t, <-bg)
	closeImpl(t, o)
}

func TestLongPolling(t *testing.T) {
	o := NewImplOBC(echoHandler(), Options{})
	defer closeImpl(t, o)
	o.EnablePolling(db.NewMemoryQueue(0))

	for i := 0; i < 3; i++ {
		e, _ := o.NewEvent(&onebot.PrivateMessage{MessageID: strconv.Itoa(i)})
		_, err := o.Broadcast(e)
		require.NoError(t, err)
	}
	resp := o.Dispatch(context.Background(), &onebot.Action{
		Action: "get_latest_events",
		Params: onebot.Fields{"limit": []byte(`2`)},
	})
	require.True(t, resp.IsOK())
	events := gjson.ParseBytes(resp.Data).Array()
	require.Len(t, events, 2)
	assert.Equal(t, "0", events[0].Get("message_id").String())
	assert.Equal(t, "1", events[1].Get("message_id").String())

	resp = o.Dispatch(context.Background(), &onebot.Action{Action: "get_latest_events"})
	assert.Len(t, gjson.ParseBytes(resp.Data).Array(), 1)

	// 队列为空时等待新事件
	go func() {
		time.Sleep(20 * time.Millisecond)
		e, _ := o.NewEvent(&onebot.PrivateMessage{MessageID: "late"})
		_, _ = o.Broadcast(e)
	}()
	resp = o.Dispatch(context.Background(), &onebot.Action{
		Action: "get_latest_events",
		Params: onebot.Fields{"timeout": []byte(`2`)},
	})
	events = gjson.ParseBytes(resp.Data).Array()
	require.Len(t, events, 1)
	assert.Equal(t, "late", events[0].Get("message_id").String())
}

func TestRateLimitMiddleware(t *testing.T) {
	o := NewImplOBC(echoHandler(), Options{})
	defer closeImpl(t, o)
	o.Use(RateLimit(0.001, 0))

	a := &onebot.Action{Action: "send_message"}
	assert.True(t, o.Dispatch(context.Background(), a).IsOK())

	// 令牌已用完, 等待被 ctx 打断
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := o.Dispatch(ctx, a)
	assert.False(t, resp.IsOK())
	assert.Equal(t, onebot.RetInternalHandler, resp.Retcode)
}
