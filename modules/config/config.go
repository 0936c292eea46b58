// Package config 包含go-onebot操作配置文件的相关函数
package config

import (
	_ "embed" // embed the default config file
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// defaultConfig 默认配置文件
//
//go:embed default_config.yml
var defaultConfig string

// Reconnect 重连配置
type Reconnect struct {
	Disabled   bool          `yaml:"disabled"`
	Delay      time.Duration `yaml:"delay"`
	MaxDelay   time.Duration `yaml:"max-delay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

// Config 总配置文件
type Config struct {
	Role string `yaml:"role"`
	Self struct {
		Platform string `yaml:"platform"`
		UserID   string `yaml:"user_id"`
	} `yaml:"self"`
	Impl    string `yaml:"impl"`
	Version string `yaml:"version"`

	ActionTimeout time.Duration `yaml:"action-timeout"`
	QueueCapacity int           `yaml:"queue-capacity"`
	ShutdownGrace time.Duration `yaml:"shutdown-grace"`
	MaxFrameSize  string        `yaml:"max-frame-size"`

	Heartbeat struct {
		Disabled bool          `yaml:"disabled"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"heartbeat"`

	Reconnect Reconnect `yaml:"reconnect"`

	Output struct {
		LogLevel    string `yaml:"log-level"`
		LogAging    int    `yaml:"log-aging"`
		LogForceNew bool   `yaml:"log-force-new"`
		LogColorful bool   `yaml:"log-colorful"`
		Debug       bool   `yaml:"debug"`
	} `yaml:"output"`

	Servers  []map[string]yaml.Node `yaml:"servers"`
	Database map[string]yaml.Node   `yaml:"database"`
}

// MiddleWares 通信中间件
type MiddleWares struct {
	AccessToken string `yaml:"access-token"`
	Filter      string `yaml:"filter"`
	RateLimit   struct {
		Enabled   bool    `yaml:"enabled"`
		Frequency float64 `yaml:"frequency"`
		Bucket    int     `yaml:"bucket"`
	} `yaml:"rate-limit"`
}

// HTTPServer HTTP通信相关配置
type HTTPServer struct {
	Disabled    bool   `yaml:"disabled"`
	Mandatory   bool   `yaml:"mandatory"`
	Address     string `yaml:"address"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Gzip        bool   `yaml:"gzip"`
	LongPolling struct {
		Enabled      bool `yaml:"enabled"`
		MaxQueueSize int  `yaml:"max-queue-size"`
	} `yaml:"long-polling"`

	MiddleWares `yaml:"middlewares"`
}

// HTTPPost HTTP 上报相关配置
type HTTPPost struct {
	Disabled        bool    `yaml:"disabled"`
	Mandatory       bool    `yaml:"mandatory"`
	URL             string  `yaml:"url"`
	Secret          string  `yaml:"secret"`
	Timeout         int     `yaml:"timeout"`
	MaxRetries      *uint64 `yaml:"max-retries"`
	RetriesInterval *uint64 `yaml:"retries-interval"`

	MiddleWares `yaml:"middlewares"`
}

// PprofServer pprof性能分析服务器相关配置
type PprofServer struct {
	Disabled bool   `yaml:"disabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
}

// WebsocketServer 正向WS相关配置
type WebsocketServer struct {
	Disabled  bool   `yaml:"disabled"`
	Mandatory bool   `yaml:"mandatory"`
	Address   string `yaml:"address"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`

	MiddleWares `yaml:"middlewares"`
}

// WebsocketReverse 反向WS相关配置
type WebsocketReverse struct {
	Disabled          bool   `yaml:"disabled"`
	Mandatory         bool   `yaml:"mandatory"`
	URL               string `yaml:"url"`
	ReconnectInterval int    `yaml:"reconnect-interval"`

	MiddleWares `yaml:"middlewares"`
}

// LevelDBConfig leveldb 相关配置
type LevelDBConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

var envPattern = regexp.MustCompile(`\$\{([^{}]+)}`)

// expand 将 ${name} 替换为 mapping(name), 其余内容保持不变
func expand(s string, mapping func(string) string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		return mapping(m[2 : len(m)-1])
	})
}

// Parse 从配置文件路径中读取配置
//
// 文件不存在时返回的错误满足 errors.Is(err, os.ErrNotExist).
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "读取配置文件失败")
	}
	return Load(data)
}

// Load 解析配置文件内容, 其中的 ${ENV} 会被替换为环境变量
func Load(data []byte) (*Config, error) {
	conf := &Config{}
	if err := yaml.Unmarshal([]byte(expand(string(data), os.Getenv)), conf); err != nil {
		return nil, errors.Wrap(err, "配置文件不合法")
	}
	conf.setDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) setDefaults() {
	if c.Role == "" {
		c.Role = "impl"
	}
	if c.Impl == "" {
		c.Impl = "go-onebot"
	}
	if c.Version == "" {
		c.Version = "v1.0.0"
	}
	if c.ActionTimeout == 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 256
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.MaxFrameSize == "" {
		c.MaxFrameSize = "16MiB"
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = 5 * time.Second
	}
	if c.Reconnect.Delay == 0 {
		c.Reconnect.Delay = time.Second
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = 30 * time.Second
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = 2
	}
	if c.Output.LogLevel == "" {
		c.Output.LogLevel = "info"
	}
}

// FrameLimit 单条消息的最大字节数, 未设置或无法解析时为 0
func (c *Config) FrameLimit() int64 {
	n, err := humanize.ParseBytes(c.MaxFrameSize)
	if err != nil {
		return 0
	}
	return int64(n)
}

// Validate 检查配置项, 返回所有不合法的项
func (c *Config) Validate() error {
	var err error
	if c.Role != "impl" && c.Role != "app" {
		err = multierr.Append(err, errors.Errorf("role: 未知的角色 %q, 可选 impl 或 app", c.Role))
	}
	if c.ActionTimeout < 0 {
		err = multierr.Append(err, errors.New("action-timeout: 不能为负数"))
	}
	if c.QueueCapacity < 0 {
		err = multierr.Append(err, errors.New("queue-capacity: 不能为负数"))
	}
	if c.ShutdownGrace < 0 {
		err = multierr.Append(err, errors.New("shutdown-grace: 不能为负数"))
	}
	if c.MaxFrameSize != "" {
		if _, perr := humanize.ParseBytes(c.MaxFrameSize); perr != nil {
			err = multierr.Append(err, errors.Errorf("max-frame-size: 无法解析 %q", c.MaxFrameSize))
		}
	}
	if c.Heartbeat.Interval < 0 {
		err = multierr.Append(err, errors.New("heartbeat.interval: 不能为负数"))
	}
	if c.Reconnect.Multiplier < 1 {
		err = multierr.Append(err, errors.New("reconnect.multiplier: 不能小于 1"))
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		err = multierr.Append(err, errors.New("reconnect.jitter: 需要在 0 到 1 之间"))
	}
	for i, s := range c.Servers {
		if len(s) != 1 {
			err = multierr.Append(err, errors.Errorf("servers[%d]: 每一项需要且只能包含一种连接方式", i))
		}
	}
	return err
}

// Generate 生成默认配置文件, choices 中的每个编号对应一种通信方式
func Generate(choices string) string {
	sb := strings.Builder{}
	sb.WriteString(defaultConfig)
	for _, r := range choices {
		switch r {
		case '1':
			sb.WriteString(httpDefault)
		case '2':
			sb.WriteString(wsDefault)
		case '3':
			sb.WriteString(wsReverseDefault)
		case '4':
			sb.WriteString(httpPostDefault)
		case '5':
			sb.WriteString(pprofDefault)
		}
	}
	return sb.String()
}

// Prompt 选择通信方式的提示
const Prompt = `请选择你需要的通信方式:
> 1: HTTP通信
> 2: 正向 Websocket 通信
> 3: 反向 Websocket 通信
> 4: HTTP 上报 (Webhook)
> 5: pprof 性能分析服务器
请输入你需要的编号，可输入多个，同一编号也可输入多个(如: 233)
您的选择是:`

// WriteDefault 将默认配置写入 path
func WriteDefault(path, choices string) error {
	if err := os.WriteFile(path, []byte(Generate(choices)), 0o644); err != nil {
		return errors.Wrap(err, "写入配置文件失败")
	}
	fmt.Printf("默认配置文件已生成，请修改 %s 后重新启动!\n", path)
	return nil
}

const httpDefault = `  # HTTP 通信设置
  - http:
      # 服务端监听地址, 支持 unix:///path/to/socket
      address: 0.0.0.0:5700
      # 是否启用 gzip 压缩响应
      gzip: false
      # 长轮询拓展, 仅实现端可用
      long-polling:
        # 是否开启
        enabled: false
        # 消息队列大小，0 表示不限制队列大小，谨慎使用
        max-queue-size: 2000
      middlewares:
        <<: *default # 引用默认中间件
`

const wsDefault = `  # 正向WS设置
  - ws:
      # 正向WS服务器监听地址
      address: 0.0.0.0:6700
      middlewares:
        <<: *default # 引用默认中间件
`

const wsReverseDefault = `  # 反向WS设置
  - ws-reverse:
      # 反向WS地址
      url: ws://127.0.0.1:8080/onebot/v12/
      # 首次重连间隔 单位毫秒, 为 0 时使用 reconnect.delay
      reconnect-interval: 3000
      middlewares:
        <<: *default # 引用默认中间件
`

const httpPostDefault = `  # HTTP 上报设置
  - http-post:
      # 上报地址
      url: http://127.0.0.1:5701/
      # 上报签名密钥
      secret: ''
      # 超时时间 单位秒
      timeout: 5
      # 最大重试次数, 0 时禁用
      max-retries: 3
      # 重试间隔 单位毫秒
      retries-interval: 1500
      middlewares:
        <<: *default # 引用默认中间件
`

const pprofDefault = `  # pprof 性能分析服务器, 一般情况下不需要启用.
  # 注意: pprof服务不支持中间件、不支持鉴权. 请不要开放到公网
  - pprof:
      # pprof服务器监听地址
      host: 127.0.0.1
      # pprof服务器监听端口
      port: 7700
`
