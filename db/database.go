// Package db 提供事件轮询队列的存储后端
package db

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EventQueue 事件轮询队列, 供 get_latest_events 使用
//
// 队列有上限时丢弃最旧的事件.
type EventQueue interface {
	// Push 追加一条序列化后的事件
	Push(data []byte) error
	// Pop 按顺序取出至多 limit 条事件, limit <= 0 表示全部
	Pop(limit int) ([][]byte, error)
	Len() int
	Close() error
}

// Driver 根据配置创建队列, 配置未启用时返回 nil
type Driver func(node yaml.Node, maxSize int) (EventQueue, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// Register 注册存储后端
func Register(name string, driver Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, ok := drivers[name]; ok {
		panic("database driver " + name + " has existed")
	}
	drivers[name] = driver
}

// OpenQueue 按配置打开第一个启用的后端, 全部未启用时使用内存队列
func OpenQueue(conf map[string]yaml.Node, maxSize int) (EventQueue, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(conf))
	for name := range conf {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		driver, ok := drivers[name]
		if !ok {
			log.Warnf("未知的数据库类型: %v", name)
			continue
		}
		q, err := driver(conf[name], maxSize)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s queue", name)
		}
		if q != nil {
			log.Infof("事件队列使用 %v 存储", name)
			return q, nil
		}
	}
	return NewMemoryQueue(maxSize), nil
}
