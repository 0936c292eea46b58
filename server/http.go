package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzhttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/Mrs4s/go-onebot/db"
	"github.com/Mrs4s/go-onebot/global"
	"github.com/Mrs4s/go-onebot/modules/config"
	"github.com/Mrs4s/go-onebot/modules/servers"
	"github.com/Mrs4s/go-onebot/obc"
	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

// HTTPServer HTTP 服务器
//
// 实现端接收动作请求并返回响应; 应用端作为 Webhook 接收事件, 返回 204.
type HTTPServer struct {
	peer     obc.Peer
	network  string
	addr     string
	gzip     bool
	opt      Options
	listener net.Listener
}

// NewHTTPServer 创建 HTTP 服务器, addr 可以是 host:port 或 unix:///path 形式
func NewHTTPServer(peer obc.Peer, addr string, gzip bool, opt Options) *HTTPServer {
	network, address := resolveURI(addr)
	return &HTTPServer{peer: peer, network: network, addr: address, gzip: gzip, opt: opt}
}

// Name 实现 core.Transport
func (s *HTTPServer) Name() string { return s.opt.name("http://" + s.addr) }

// Mandatory 实现 core.Transport
func (s *HTTPServer) Mandatory() bool { return s.opt.Mandatory }

// Addr 监听地址, Listen 之后可用
func (s *HTTPServer) Addr() net.Addr { return s.listener.Addr() }

// Listen 实现 core.Transport
func (s *HTTPServer) Listen(_ context.Context) error {
	listener, err := net.Listen(s.network, s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// Serve 实现 core.Transport
func (s *HTTPServer) Serve(ctx context.Context) error {
	var handler http.Handler = s
	if s.gzip {
		handler = gzhttp.GzipHandler(handler)
	}
	log.Infof("HTTP 服务器已启动: %v", s.listener.Addr())
	return serveHTTP(ctx, s.listener, handler)
}

func (s *HTTPServer) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		log.Warnf("已拒绝客户端 %v 的请求: 方法错误", request.RemoteAddr)
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if status := checkAuth(request, s.opt.AccessToken); status != http.StatusOK {
		log.Warnf("已拒绝客户端 %v 的请求: Token鉴权失败(code:%d)", request.RemoteAddr, status)
		writer.WriteHeader(status)
		return
	}
	if !strings.Contains(request.Header.Get("Content-Type"), "application/json") {
		writer.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}
	buffer := global.NewBuffer()
	defer global.PutBuffer(buffer)
	if _, err := buffer.ReadFrom(http.MaxBytesReader(writer, request.Body, s.opt.frameLimit())); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warnf("已拒绝客户端 %v 的请求: Body 超过 %v 字节", request.RemoteAddr, tooLarge.Limit)
			writer.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		log.Warnf("获取请求 %v 的Body时出现错误: %v", request.RequestURI, err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	body := buffer.Bytes()
	if !onebot.ValidJSON(body) {
		log.Warnf("已拒绝客户端 %v 的请求: 非法Json", request.RemoteAddr)
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	// POST /send_message {"detail_type": ...} 形式的请求, body 为动作参数
	if name := strings.Trim(request.URL.Path, "/"); name != "" && s.peer.Role() == obc.RoleImpl {
		a := &onebot.Action{Action: name, Params: onebot.Fields{}}
		gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
			a.Params[key.Str] = []byte(value.Raw)
			return true
		})
		data, err := onebot.Marshal(a)
		if err != nil {
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		body = data
	}

	reply, err := s.peer.Exchange(request.Context(), body)
	switch {
	case errors.Is(err, onebot.ErrMalformedMessage):
		log.Warnf("已拒绝客户端 %v 的请求: %v", request.RemoteAddr, err)
		writer.WriteHeader(http.StatusBadRequest)
		return
	case errors.Is(err, onebot.ErrNotRunning):
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	case err != nil:
		log.Warnf("处理客户端 %v 的请求时出现错误: %v", request.RemoteAddr, err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	case reply == nil:
		writer.WriteHeader(http.StatusNoContent)
		return
	}
	writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	writer.WriteHeader(http.StatusOK)
	_, _ = writer.Write(reply)
}

// resolveURI 解析 unix:///path 与 http://host:port 形式的地址
func resolveURI(addr string) (network, address string) {
	network, address = "tcp", addr
	uri, err := url.Parse(addr)
	if err != nil {
		return
	}
	switch uri.Scheme {
	case "unix":
		return "unix", uri.Path
	case "http", "https", "tcp":
		return "tcp", uri.Host
	}
	return
}

func buildHTTP(env *servers.Env, node yaml.Node) (servers.Transport, error) {
	var conf config.HTTPServer
	if err := node.Decode(&conf); err != nil {
		return nil, errors.Wrap(err, "读取http配置失败")
	}
	if conf.Disabled {
		return nil, nil
	}
	opt, err := middlewareOptions(conf.MiddleWares)
	if err != nil {
		return nil, err
	}
	opt.Mandatory = conf.Mandatory
	opt.MaxFrameSize = env.Conf.FrameLimit()
	// HTTP 请求不属于任何连接, 限速对整个实现端生效
	if impl, ok := env.Peer.(*obc.ImplOBC); ok && opt.RateLimit > 0 {
		impl.Use(obc.RateLimit(float64(opt.RateLimit), opt.Bucket))
	}
	if conf.LongPolling.Enabled {
		impl, ok := env.Peer.(*obc.ImplOBC)
		if !ok {
			return nil, errors.New("long-polling is only available for impl role")
		}
		queue, err := db.OpenQueue(env.Conf.Database, conf.LongPolling.MaxQueueSize)
		if err != nil {
			return nil, err
		}
		env.AddCloser(queue)
		impl.EnablePolling(queue)
		log.Infof("HTTP 长轮询已启用, 队列大小: %d", conf.LongPolling.MaxQueueSize)
	}
	addr := conf.Address
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", conf.Host, conf.Port)
	}
	return NewHTTPServer(env.Peer, addr, conf.Gzip, opt), nil
}
