package server

import (
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/Mrs4s/go-onebot/modules/config"
	"github.com/Mrs4s/go-onebot/modules/filter"
	"github.com/Mrs4s/go-onebot/obc"
)

// userAgent 主动连接时使用的 User-Agent
const userAgent = "OneBot/12 go-onebot"

// DefaultMaxFrameSize 默认的单条消息最大长度
const DefaultMaxFrameSize = 16 << 20

// Options 传输层通用选项
type Options struct {
	// Name 出现在日志与任务中的名称, 为空时使用地址
	Name        string
	Mandatory   bool
	AccessToken string
	Filter      obc.EventFilter
	// RateLimit 每个连接每秒允许的请求数, 0 为不限制
	RateLimit rate.Limit
	Bucket    int
	// MaxFrameSize 单条消息的最大字节数, 0 时使用 DefaultMaxFrameSize
	MaxFrameSize int64
}

func (o *Options) name(def string) string {
	if o.Name != "" {
		return o.Name
	}
	return def
}

func (o *Options) frameLimit() int64 {
	if o.MaxFrameSize > 0 {
		return o.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

// connOptions 为新连接生成选项, 每个连接使用独立的限速器
func (o *Options) connOptions(caps obc.Caps, peer string) obc.ConnOptions {
	opt := obc.ConnOptions{Caps: caps, Peer: peer, Filter: o.Filter}
	if o.RateLimit > 0 {
		bucket := o.Bucket
		if bucket <= 0 {
			bucket = 1
		}
		opt.Limiter = rate.NewLimiter(o.RateLimit, bucket)
	}
	return opt
}

// middlewareOptions 由配置文件中的中间件生成选项
func middlewareOptions(m config.MiddleWares) (Options, error) {
	opt := Options{AccessToken: m.AccessToken}
	f, err := filter.Load(m.Filter)
	if err != nil {
		return opt, err
	}
	if f != nil {
		opt.Filter = f
	}
	if m.RateLimit.Enabled {
		opt.RateLimit = rate.Limit(m.RateLimit.Frequency)
		opt.Bucket = m.RateLimit.Bucket
	}
	return opt, nil
}

// checkAuth 校验 Authorization 头或 access_token 参数
func checkAuth(req *http.Request, token string) int {
	if token == "" { // quick path
		return http.StatusOK
	}

	auth := req.Header.Get("Authorization")
	if auth == "" {
		auth = req.URL.Query().Get("access_token")
	} else {
		authN := strings.SplitN(auth, " ", 2)
		if len(authN) == 2 {
			auth = authN[1]
		}
	}

	switch auth {
	case token:
		return http.StatusOK
	case "":
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}
