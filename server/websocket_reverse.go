package server

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Mrs4s/go-onebot/modules/config"
	"github.com/Mrs4s/go-onebot/modules/servers"
	"github.com/Mrs4s/go-onebot/obc"
)

// WebSocketReverse 反向 WebSocket 客户端, 断线后按退避策略重连
//
// 每次重连都使用同一个对端标识注册, 旧连接会被移除.
type WebSocketReverse struct {
	peer    obc.Peer
	url     string
	selfID  string
	opt     Options
	backoff Backoff
	dialer  *websocket.Dialer
}

// NewWebSocketReverse 创建反向 WebSocket 客户端
func NewWebSocketReverse(peer obc.Peer, url, selfID string, backoff Backoff, opt Options) *WebSocketReverse {
	return &WebSocketReverse{
		peer:    peer,
		url:     url,
		selfID:  selfID,
		opt:     opt,
		backoff: backoff,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Name 实现 core.Transport
func (c *WebSocketReverse) Name() string { return c.opt.name(c.url) }

// Mandatory 实现 core.Transport
func (c *WebSocketReverse) Mandatory() bool { return c.opt.Mandatory }

// Listen 实现 core.Transport, 只校验地址
func (c *WebSocketReverse) Listen(_ context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}

func (c *WebSocketReverse) header() http.Header {
	header := http.Header{
		"X-Self-ID":  []string{c.selfID},
		"User-Agent": []string{userAgent},
	}
	if c.opt.AccessToken != "" {
		header["Authorization"] = []string{"Bearer " + c.opt.AccessToken}
	}
	return header
}

// Serve 实现 core.Transport, 在 ctx 结束前持续保持连接
func (c *WebSocketReverse) Serve(ctx context.Context) error {
	peerKey := "ws-reverse://" + c.url
	failCount := 0
	for {
		log.Infof("开始尝试连接到反向WebSocket服务器: %v", c.url)
		conn, _, err := c.dialer.DialContext(ctx, c.url, c.header()) // nolint
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if c.backoff.Disabled {
				return errors.Wrap(err, "dial")
			}
			delay := c.backoff.Next(failCount)
			failCount++
			log.Warnf("连接到反向WebSocket服务器 %v 时出现错误: %v, 将在 %v 后重试", c.url, err, delay.Round(time.Millisecond))
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		failCount = 0
		log.Infof("已连接到反向WebSocket服务器 %v", c.url)
		wc := newWebSocketConn(conn, "ws-reverse", "ws-reverse://"+conn.LocalAddr().String(), c.opt.frameLimit())
		err = c.peer.Serve(ctx, wc, c.opt.connOptions(obc.CapAll, peerKey))
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if c.backoff.Disabled {
			return err
		}
		log.Warnf("与反向WebSocket服务器 %v 的连接已断开: %v", c.url, err)
		if !sleep(ctx, c.backoff.Next(0)) {
			return nil
		}
	}
}

// sleep 等待 d, ctx 提前结束时返回 false
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildWSReverse(env *servers.Env, node yaml.Node) (servers.Transport, error) {
	var conf config.WebsocketReverse
	if err := node.Decode(&conf); err != nil {
		return nil, errors.Wrap(err, "读取反向WebSocket配置失败")
	}
	if conf.Disabled || conf.URL == "" {
		return nil, nil
	}
	opt, err := middlewareOptions(conf.MiddleWares)
	if err != nil {
		return nil, err
	}
	opt.Mandatory = conf.Mandatory
	opt.MaxFrameSize = env.Conf.FrameLimit()
	backoff := backoffFromConfig(env.Conf.Reconnect)
	if conf.ReconnectInterval > 0 {
		backoff.Delay = time.Duration(conf.ReconnectInterval) * time.Millisecond
	}
	return NewWebSocketReverse(env.Peer, conf.URL, env.Conf.Self.UserID, backoff, opt), nil
}
