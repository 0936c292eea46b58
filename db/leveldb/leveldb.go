// Package leveldb 提供基于 leveldb 的持久化事件队列
package leveldb

import (
	"encoding/binary"
	"path"
	"sync"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"gopkg.in/yaml.v3"

	"github.com/Mrs4s/go-onebot/db"
	"github.com/Mrs4s/go-onebot/modules/config"
)

func init() {
	db.Register("leveldb", func(node yaml.Node, maxSize int) (db.EventQueue, error) {
		conf := new(config.LevelDBConfig)
		_ = node.Decode(conf)
		if !conf.Enable {
			return nil, nil
		}
		if conf.Path == "" {
			conf.Path = path.Join("data", "leveldb-events")
		}
		return Open(conf.Path, maxSize)
	})
}

// Queue 持久化事件队列, key 为 8 字节大端序号
type Queue struct {
	mu      sync.Mutex
	db      *leveldb.DB
	head    uint64 // 下一个待取出的序号
	tail    uint64 // 下一个写入的序号
	maxSize int
}

// Open 打开或创建队列, 重启后会从上次的位置继续
func Open(p string, maxSize int) (*Queue, error) {
	d, err := leveldb.OpenFile(p, &opt.Options{
		WriteBuffer: 32 * opt.KiB,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open leveldb error")
	}
	q := &Queue{db: d, maxSize: maxSize}
	iter := d.NewIterator(nil, nil)
	if iter.First() {
		q.head = binary.BigEndian.Uint64(iter.Key())
		if iter.Last() {
			q.tail = binary.BigEndian.Uint64(iter.Key()) + 1
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		_ = d.Close()
		return nil, errors.Wrap(err, "scan leveldb error")
	}
	return q, nil
}

func key(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// Push 实现 db.EventQueue
func (q *Queue) Push(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := new(leveldb.Batch)
	batch.Put(key(q.tail), data)
	head := q.head
	for q.maxSize != 0 && q.tail+1-head > uint64(q.maxSize) {
		batch.Delete(key(head))
		head++
	}
	if err := q.db.Write(batch, nil); err != nil {
		return errors.Wrap(err, "put data error")
	}
	q.tail++
	q.head = head
	return nil
}

// Pop 实现 db.EventQueue
func (q *Queue) Pop(limit int) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.tail - q.head
	if limit > 0 && uint64(limit) < n {
		n = uint64(limit)
	}
	if n == 0 {
		return [][]byte{}, nil
	}
	ret := make([][]byte, 0, n)
	batch := new(leveldb.Batch)
	iter := q.db.NewIterator(&util.Range{Start: key(q.head), Limit: key(q.head + n)}, nil)
	for iter.Next() {
		ret = append(ret, append([]byte(nil), iter.Value()...))
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "read data error")
	}
	if err := q.db.Write(batch, nil); err != nil {
		return nil, errors.Wrap(err, "delete data error")
	}
	q.head += n
	return ret, nil
}

// Len 实现 db.EventQueue
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int(q.tail - q.head)
}

// Close 实现 db.EventQueue
func (q *Queue) Close() error {
	return q.db.Close()
}
