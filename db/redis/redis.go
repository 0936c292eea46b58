// Package redis 提供基于 redis list 的事件队列
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Mrs4s/go-onebot/db"
)

// DefaultKey 默认的队列键名
const DefaultKey = "ONEBOT_EVENTS"

type config struct {
	Enable  bool          `yaml:"enable"`
	URI     string        `yaml:"uri"`
	Key     string        `yaml:"key"`
	Timeout time.Duration `yaml:"timeout"`

	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
}

func init() {
	db.Register("redis", func(node yaml.Node, maxSize int) (db.EventQueue, error) {
		conf := new(config)
		_ = node.Decode(conf)
		if !conf.Enable {
			return nil, nil
		}
		if conf.URI == "" {
			if conf.Host == "" {
				conf.Host = "127.0.0.1"
			}
			if conf.Port == "" {
				conf.Port = "6379"
			}
			if conf.Database == "" {
				conf.Database = "0"
			}
			conf.URI = fmt.Sprintf("redis://%s:%s/%s", conf.Host, conf.Port, conf.Database)
		}
		if conf.Key == "" {
			conf.Key = DefaultKey
		}
		log.Debugf("使用 redis 事件队列, uri: %s", conf.URI)
		return Open(conf.URI, conf.Key, conf.Timeout, maxSize)
	})
}

// Queue redis 事件队列, 新事件追加在列表尾部
type Queue struct {
	rdb     *redis.Client
	key     string
	timeout time.Duration
	maxSize int
}

// Open 连接 redis 并创建队列
func Open(uri, key string, timeout time.Duration, maxSize int) (*Queue, error) {
	opt, err := redis.ParseURL(uri)
	if err != nil {
		return nil, errors.Wrap(err, "open redis error")
	}
	q := &Queue{rdb: redis.NewClient(opt), key: key, timeout: timeout, maxSize: maxSize}
	ctx, cancel := q.ctx()
	defer cancel()
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		_ = q.rdb.Close()
		return nil, errors.Wrap(err, "ping redis error")
	}
	return q, nil
}

func (q *Queue) ctx() (context.Context, context.CancelFunc) {
	if q.timeout <= 0 {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	return context.WithTimeout(context.Background(), q.timeout)
}

// Push 实现 db.EventQueue
func (q *Queue) Push(data []byte) error {
	ctx, cancel := q.ctx()
	defer cancel()
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, q.key, data)
	if q.maxSize > 0 {
		pipe.LTrim(ctx, q.key, int64(-q.maxSize), -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "put data error")
	}
	return nil
}

// Pop 实现 db.EventQueue
func (q *Queue) Pop(limit int) ([][]byte, error) {
	ctx, cancel := q.ctx()
	defer cancel()
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	pipe := q.rdb.TxPipeline()
	values := pipe.LRange(ctx, q.key, 0, stop)
	if stop < 0 {
		pipe.Del(ctx, q.key)
	} else {
		pipe.LTrim(ctx, q.key, stop+1, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "pop data error")
	}
	ret := make([][]byte, 0, len(values.Val()))
	for _, v := range values.Val() {
		ret = append(ret, []byte(v))
	}
	return ret, nil
}

// Len 实现 db.EventQueue
func (q *Queue) Len() int {
	ctx, cancel := q.ctx()
	defer cancel()
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		log.Warnf("获取 redis 队列长度失败: %v", err)
		return 0
	}
	return int(n)
}

// Close 实现 db.EventQueue
func (q *Queue) Close() error {
	return q.rdb.Close()
}
