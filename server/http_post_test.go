package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

type postedRequest struct {
	header http.Header
	body   []byte
}

func serveHTTPPost(t *testing.T, c *HTTPPost) {
	t.Helper()
	require.NoError(t, c.Listen(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestHTTPPostEvents(t *testing.T) {
	requests := make(chan postedRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- postedRequest{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	impl := newTestImpl(t)
	serveHTTPPost(t, NewHTTPPost(impl, srv.URL, "secret", "10001", time.Second, Options{AccessToken: "token"}))

	next := func() postedRequest {
		select {
		case r := <-requests:
			return r
		case <-time.After(2 * time.Second):
			t.Fatal("no request received")
		}
		return postedRequest{}
	}
	connect := next()
	assert.Equal(t, "connect", gjson.GetBytes(connect.body, "detail_type").String())

	e, err := impl.NewEvent(&onebot.PrivateMessage{MessageID: "1", UserID: "20002"})
	require.NoError(t, err)
	_, err = impl.Broadcast(e)
	require.NoError(t, err)
	r := next()
	assert.Equal(t, "private", gjson.GetBytes(r.body, "detail_type").String())
	assert.Equal(t, "application/json", r.header.Get("Content-Type"))
	assert.Equal(t, onebot.Version, r.header.Get("X-OneBot-Version"))
	assert.Equal(t, "10001", r.header.Get("X-Self-ID"))
	assert.Equal(t, "Bearer token", r.header.Get("Authorization"))
	mac := hmac.New(sha1.New, []byte("secret"))
	_, _ = mac.Write(r.body)
	assert.Equal(t, "sha1="+hex.EncodeToString(mac.Sum(nil)), r.header.Get("X-Signature"))
}

func TestHTTPPostActions(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 第一次请求失败, 触发重试
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "action").String() != "send_message" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","retcode":0,"data":{"message_id":"42"},"message":""}`))
	}))
	defer srv.Close()

	app := newTestApp(t, nil)
	c := NewHTTPPost(app, srv.URL, "", "10001", time.Second, Options{})
	c.RetriesInterval = 10 * time.Millisecond
	serveHTTPPost(t, c)

	var id string
	require.Eventually(t, func() bool {
		conns := app.Connections()
		if len(conns) != 1 {
			return false
		}
		id = conns[0].ID
		return true
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := app.CallAction(context.Background(), id, &onebot.Action{Action: "send_message", Echo: "e1"})
	require.NoError(t, err)
	assert.True(t, resp.IsOK())
	assert.Equal(t, "e1", resp.Echo)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPPostInvalidURL(t *testing.T) {
	c := NewHTTPPost(newTestImpl(t), "ws://127.0.0.1/", "", "", 0, Options{})
	assert.Error(t, c.Listen(context.Background()))
}

func TestWithEcho(t *testing.T) {
	out := withEcho([]byte(`{"status":"failed","retcode":10002,"data":null,"message":"x"}`), "e1")
	assert.Equal(t, "e1", gjson.GetBytes(out, "echo").String())
	assert.Equal(t, int64(10002), gjson.GetBytes(out, "retcode").Int())

	// 无法解析时原样返回
	assert.Equal(t, []byte(`{"foo":1}`), withEcho([]byte(`{"foo":1}`), "e1"))
}
