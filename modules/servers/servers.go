// Package servers provide servers register
package servers

import (
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/Mrs4s/go-onebot/core"
	"github.com/Mrs4s/go-onebot/modules/config"
	"github.com/Mrs4s/go-onebot/obc"
)

// Transport 由配置生成的传输层
type Transport = core.Transport

// Env 生成传输层时可用的环境
type Env struct {
	Peer obc.Peer
	Conf *config.Config

	closers []io.Closer
}

// AddCloser 登记实例关闭后需要释放的资源, 如长轮询队列
func (e *Env) AddCloser(c io.Closer) {
	e.closers = append(e.closers, c)
}

// Close 按登记的逆序释放资源
func (e *Env) Close() error {
	var err error
	for i := len(e.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, e.closers[i].Close())
	}
	e.closers = nil
	return err
}

// Builder 根据配置节点生成传输层, 配置被禁用时返回 nil
type Builder func(env *Env, node yaml.Node) (Transport, error)

var (
	mu  sync.RWMutex
	svr = make(map[string]Builder)
)

// Register 注册 Server
func Register(name string, builder Builder) {
	mu.Lock()
	defer mu.Unlock()
	_, ok := svr[name]
	if ok {
		panic(name + " server has existed")
	}
	svr[name] = builder
}

// Names 已注册的 Server 名称
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(svr))
	for name := range svr {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build 按配置文件中的顺序生成所有传输层
func Build(env *Env) ([]Transport, error) {
	mu.RLock()
	defer mu.RUnlock()
	var transports []Transport
	for i, l := range env.Conf.Servers {
		for name, node := range l {
			fn, ok := svr[name]
			if !ok {
				log.Warnf("未知的服务类型: %v", name)
				continue
			}
			t, err := fn(env, node)
			if err != nil {
				return nil, errors.Wrapf(err, "servers[%d].%s", i, name)
			}
			if t != nil {
				transports = append(transports, t)
			}
		}
	}
	return transports, nil
}
