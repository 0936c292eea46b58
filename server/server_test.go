package server

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mrs4s/go-onebot/modules/config"
	"github.com/Mrs4s/go-onebot/modules/servers"
	"github.com/Mrs4s/go-onebot/obc"
	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

func testHandler() onebot.ActionHandler {
	return onebot.ActionHandlerFunc(func(ctx context.Context, a *onebot.Action) (*onebot.Response, error) {
		switch a.Action {
		case "send_message":
			return onebot.OK(map[string]string{"message_id": "42"}), nil
		}
		return onebot.Failed(onebot.RetUnsupportedAction, "unsupported action"), nil
	})
}

func newTestImpl(t *testing.T) *obc.ImplOBC {
	t.Helper()
	impl := obc.NewImplOBC(testHandler(), obc.Options{Impl: "test", Platform: "qq", SelfID: "10001"})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = impl.Close(ctx)
	})
	return impl
}

func newTestApp(t *testing.T, handler onebot.EventHandler) *obc.AppOBC {
	t.Helper()
	app := obc.NewAppOBC(handler, obc.Options{ActionTimeout: 5 * time.Second})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = app.Close(ctx)
	})
	return app
}

func TestBackoffNext(t *testing.T) {
	b := Backoff{Delay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, b.Next(0))
	assert.Equal(t, 8*time.Second, b.Next(3))
	assert.Equal(t, 30*time.Second, b.Next(10))
	assert.Equal(t, 30*time.Second, b.Next(1000))

	unbounded := Backoff{Delay: time.Second, Multiplier: 2}
	assert.Equal(t, 8*time.Second, unbounded.Next(3))
	assert.Equal(t, time.Duration(math.MaxInt64), unbounded.Next(10000))
	unbounded.Jitter = 0.5
	for i := 0; i < 100; i++ {
		assert.Positive(t, unbounded.Next(10000))
	}

	b.Jitter = 0.2
	for i := 0; i < 100; i++ {
		d := b.Next(0)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}

	conf := backoffFromConfig(config.Reconnect{Delay: 100 * time.Millisecond, Multiplier: 3})
	assert.Equal(t, 100*time.Millisecond, conf.Delay)
	assert.Equal(t, DefaultBackoff.MaxDelay, conf.MaxDelay)
	assert.Equal(t, 3.0, conf.Multiplier)
}

func TestCheckAuth(t *testing.T) {
	tests := []struct {
		token  string
		header string
		query  string
		status int
	}{
		{"", "", "", http.StatusOK},
		{"abc", "Bearer abc", "", http.StatusOK},
		{"abc", "", "access_token=abc", http.StatusOK},
		{"abc", "", "", http.StatusUnauthorized},
		{"abc", "Bearer xyz", "", http.StatusForbidden},
	}
	for i, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/?"+tt.query, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.status, checkAuth(req, tt.token), "testcase %d", i)
	}
}

func TestConnOptions(t *testing.T) {
	var m config.MiddleWares
	m.RateLimit.Enabled = true
	m.RateLimit.Frequency = 5
	opt, err := middlewareOptions(m)
	require.NoError(t, err)
	a := opt.connOptions(obc.CapAll, "peer")
	b := opt.connOptions(obc.CapAll, "peer")
	require.NotNil(t, a.Limiter)
	assert.NotSame(t, a.Limiter, b.Limiter)
	assert.Equal(t, 1, a.Limiter.Burst())
	assert.Equal(t, "peer", a.Peer)

	_, err = middlewareOptions(config.MiddleWares{Filter: "no-such-filter.json"})
	assert.Error(t, err)
}

func TestBuildFromConfig(t *testing.T) {
	conf, err := config.Load([]byte(`
servers:
  - http: {address: '127.0.0.1:0', mandatory: true}
  - ws: {host: 127.0.0.1, port: 0}
  - ws: {disabled: true}
  - ws-reverse: {url: 'ws://127.0.0.1:1/'}
  - http-post: {url: 'http://127.0.0.1:1/', max-retries: 0}
  - pprof: {host: 127.0.0.1, port: 0}
  - lambda: {}
`))
	require.NoError(t, err)
	transports, err := servers.Build(&servers.Env{Peer: newTestImpl(t), Conf: conf})
	require.NoError(t, err)
	require.Len(t, transports, 5)
	assert.IsType(t, &HTTPServer{}, transports[0])
	assert.True(t, transports[0].Mandatory())
	assert.IsType(t, &WebSocketServer{}, transports[1])
	assert.Equal(t, "ws://127.0.0.1:0", transports[1].Name())
	assert.IsType(t, &WebSocketReverse{}, transports[2])
	require.IsType(t, &HTTPPost{}, transports[3])
	assert.Zero(t, transports[3].(*HTTPPost).MaxRetries)
	assert.IsType(t, &PprofServer{}, transports[4])
}
