package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/Mrs4s/go-onebot/modules/config"
	"github.com/Mrs4s/go-onebot/modules/servers"
	"github.com/Mrs4s/go-onebot/obc"
	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

// HTTPPost HTTP 上报客户端
//
// 每条发出的消息都 POST 到 URL. 实现端用于上报事件, 忽略回复;
// 应用端用于发起动作请求, 回复即为动作响应.
type HTTPPost struct {
	peer            obc.Peer
	url             string
	secret          string
	selfID          string
	MaxRetries      uint64
	RetriesInterval time.Duration
	opt             Options
	client          *http.Client
	seq             atomic.Uint64
}

// NewHTTPPost 创建 HTTP 上报客户端
func NewHTTPPost(peer obc.Peer, url, secret, selfID string, timeout time.Duration, opt Options) *HTTPPost {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPPost{
		peer:            peer,
		url:             url,
		secret:          secret,
		selfID:          selfID,
		MaxRetries:      3,
		RetriesInterval: 1500 * time.Millisecond,
		opt:             opt,
		client:          &http.Client{Timeout: timeout},
	}
}

// Name 实现 core.Transport
func (c *HTTPPost) Name() string { return c.opt.name(c.url) }

// Mandatory 实现 core.Transport
func (c *HTTPPost) Mandatory() bool { return c.opt.Mandatory }

// Listen 实现 core.Transport, 只校验地址
func (c *HTTPPost) Listen(_ context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}

// Serve 实现 core.Transport
//
// 应用端的请求发送失败时连接会被关闭, 随后立即以同一对端标识重新注册.
func (c *HTTPPost) Serve(ctx context.Context) error {
	caps := obc.CapEvents
	if c.peer.Role() == obc.RoleApp {
		caps = obc.CapActions
	}
	log.Infof("HTTP POST上报器已启动: %v", c.url)
	for {
		conn := &httpPostConn{
			p:       c,
			id:      fmt.Sprintf("http-post://%s#%d", c.url, c.seq.Add(1)),
			caps:    caps,
			inbound: make(chan []byte, 16),
			done:    make(chan struct{}),
		}
		err := c.peer.Serve(ctx, conn, c.opt.connOptions(caps, "http-post://"+c.url))
		if ctx.Err() != nil || errors.Is(err, onebot.ErrNotRunning) {
			return nil
		}
		if !sleep(ctx, c.RetriesInterval) {
			return nil
		}
	}
}

// post 带重试地发送一次请求, 返回响应体
func (c *HTTPPost) post(ctx context.Context, data []byte) ([]byte, error) {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("User-Agent", userAgent)
	header.Set("X-OneBot-Version", onebot.Version)
	header.Set("X-Self-ID", c.selfID)
	if c.opt.AccessToken != "" {
		header.Set("Authorization", "Bearer "+c.opt.AccessToken)
	}
	if c.secret != "" {
		mac := hmac.New(sha1.New, []byte(c.secret))
		_, _ = mac.Write(data)
		header.Set("X-Signature", "sha1="+hex.EncodeToString(mac.Sum(nil)))
	}

	var lastErr error
	for i := uint64(0); i <= c.MaxRetries; i++ {
		if i > 0 {
			log.Warnf("上报数据到 %v 失败: %v 将进行第 %d 次重试", c.url, lastErr, i)
			if !sleep(ctx, c.RetriesInterval) {
				return nil, ctx.Err()
			}
		}
		// we should create a new request for every single post trial
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "create request")
		}
		req.Header = header.Clone()
		res, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(res.Body, c.opt.frameLimit()+1))
		_ = res.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if int64(len(body)) > c.opt.frameLimit() {
			return nil, errors.Errorf("response from %s exceeds %d bytes", c.url, c.opt.frameLimit())
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			lastErr = errors.Errorf("unexpected status %s", res.Status)
			continue
		}
		return body, nil
	}
	return nil, errors.Wrapf(lastErr, "post to %s failed after %d retries", c.url, c.MaxRetries)
}

// httpPostConn 一个 HTTP 上报连接, 回复体作为收到的消息
type httpPostConn struct {
	p    *HTTPPost
	id   string
	caps obc.Caps

	inbound chan []byte
	done    chan struct{}
	once    sync.Once
}

func (c *httpPostConn) ID() string        { return c.id }
func (c *httpPostConn) Transport() string { return "http-post" }

func (c *httpPostConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *httpPostConn) Write(ctx context.Context, data []byte) error {
	reply, err := c.p.post(ctx, data)
	if c.caps&obc.CapActions == 0 {
		if err != nil {
			log.Warnf("上报 Event 数据到 %v 失败: %v 停止上报：已达重试上限", c.p.url, err)
		} else {
			log.Debugf("上报Event数据 %s 到 %v", data, c.p.url)
		}
		return nil
	}
	if err != nil {
		return err
	}
	reply = bytes.TrimSpace(reply)
	if !onebot.ValidJSON(reply) || !gjson.ParseBytes(reply).IsObject() {
		log.Warnf("HTTP 服务器 %v 返回了无法解析的动作响应", c.p.url)
		return nil
	}
	if !gjson.GetBytes(reply, "echo").Exists() {
		reply = withEcho(reply, gjson.GetBytes(data, "echo").String())
	}
	return c.deliver(ctx, reply)
}

func (c *httpPostConn) deliver(ctx context.Context, frame []byte) error {
	select {
	case c.inbound <- frame:
		return nil
	case <-c.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *httpPostConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// withEcho 为缺少 echo 的动作响应补上请求的 echo
func withEcho(reply []byte, echo string) []byte {
	resp, err := onebot.UnmarshalResponse(reply)
	if err != nil {
		return reply
	}
	resp.Echo = echo
	data, err := onebot.Marshal(resp)
	if err != nil {
		return reply
	}
	return data
}

func buildHTTPPost(env *servers.Env, node yaml.Node) (servers.Transport, error) {
	var conf config.HTTPPost
	if err := node.Decode(&conf); err != nil {
		return nil, errors.Wrap(err, "读取http-post配置失败")
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
	c := NewHTTPPost(env.Peer, conf.URL, conf.Secret, env.Conf.Self.UserID, time.Duration(conf.Timeout)*time.Second, opt)
	if conf.MaxRetries != nil {
		c.MaxRetries = *conf.MaxRetries
	}
	if conf.RetriesInterval != nil {
		c.RetriesInterval = time.Duration(*conf.RetriesInterval) * time.Millisecond
	}
	return c, nil
}
