package filter

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	filters     = make(map[string]Filter)
	filterMutex sync.RWMutex
)

// Load 读取并缓存过滤规则文件, file 为空时返回 nil
func Load(file string) (Filter, error) {
	if file == "" {
		return nil, nil
	}
	filterMutex.RLock()
	f, ok := filters[file]
	filterMutex.RUnlock()
	if ok {
		return f, nil
	}
	bs, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "read filter file")
	}
	f, err = Parse(bs)
	if err != nil {
		return nil, errors.Wrapf(err, "parse filter %s", file)
	}
	filterMutex.Lock()
	filters[file] = f
	filterMutex.Unlock()
	log.Infof("已加载事件过滤器: %v", file)
	return f, nil
}
