package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Mrs4s/go-onebot/modules/config"
	"github.com/Mrs4s/go-onebot/modules/servers"
)

// PprofServer pprof 性能分析服务器, 不与通信组件交互
type PprofServer struct {
	addr     string
	listener net.Listener
}

// NewPprofServer 创建 pprof 性能分析服务器
func NewPprofServer(addr string) *PprofServer {
	return &PprofServer{addr: addr}
}

// Name 实现 core.Transport
func (s *PprofServer) Name() string { return "pprof://" + s.addr }

// Mandatory 实现 core.Transport
func (s *PprofServer) Mandatory() bool { return false }

// Listen 实现 core.Transport
func (s *PprofServer) Listen(_ context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	return nil
}

// Serve 实现 core.Transport
func (s *PprofServer) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	log.Infof("pprof debug 服务器已启动: %v/debug/pprof", s.listener.Addr())
	log.Warnf("警告: pprof 服务不支持鉴权, 请不要运行在公网.")
	return serveHTTP(ctx, s.listener, mux)
}

func buildPprof(_ *servers.Env, node yaml.Node) (servers.Transport, error) {
	var conf config.PprofServer
	if err := node.Decode(&conf); err != nil {
		return nil, errors.Wrap(err, "读取pprof配置失败")
	}
	if conf.Disabled {
		return nil, nil
	}
	return NewPprofServer(fmt.Sprintf("%s:%d", conf.Host, conf.Port)), nil
}
