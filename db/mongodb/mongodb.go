// Package mongodb 提供基于 mongodb 集合的事件队列
package mongodb

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"

	"github.com/Mrs4s/go-onebot/db"
)

// config mongodb 相关配置
type config struct {
	Enable     bool   `yaml:"enable"`
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

const (
	defaultDatabase   = "onebot-database"
	defaultCollection = "events"
	opTimeout         = 5 * time.Second
)

func init() {
	db.Register("mongodb", func(node yaml.Node, maxSize int) (db.EventQueue, error) {
		conf := new(config)
		_ = node.Decode(conf)
		if !conf.Enable {
			return nil, nil
		}
		if conf.Database == "" {
			conf.Database = defaultDatabase
		}
		if conf.Collection == "" {
			conf.Collection = defaultCollection
		}
		return Open(conf.URI, conf.Database, conf.Collection, maxSize)
	})
}

type document struct {
	Seq  int64  `bson:"_id"`
	Data []byte `bson:"data"`
}

// Queue mongodb 事件队列, 以自增 _id 保证顺序
type Queue struct {
	mu      sync.Mutex
	client  *mongo.Client
	coll    *mongo.Collection
	seq     int64
	maxSize int
}

// Open 连接 mongodb 并从集合中已有的最大序号继续
func Open(uri, database, collection string, maxSize int) (*Queue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "open mongo connection error")
	}
	q := &Queue{client: cli, coll: cli.Database(database).Collection(collection), maxSize: maxSize}
	var last document
	err = q.coll.FindOne(ctx, bson.D{}, options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})).Decode(&last)
	switch {
	case err == nil:
		q.seq = last.Seq
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		_ = cli.Disconnect(ctx)
		return nil, errors.Wrap(err, "query error")
	}
	return q, nil
}

// Push 实现 db.EventQueue
func (q *Queue) Push(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := q.coll.InsertOne(ctx, document{Seq: q.seq + 1, Data: data}); err != nil {
		return errors.Wrap(err, "insert error")
	}
	q.seq++
	if q.maxSize > 0 && q.seq > int64(q.maxSize) {
		if _, err := q.coll.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$lte", Value: q.seq - int64(q.maxSize)}}}}); err != nil {
			return errors.Wrap(err, "delete error")
		}
	}
	return nil
}

// Pop 实现 db.EventQueue
func (q *Queue) Pop(limit int) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	opt := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opt.SetLimit(int64(limit))
	}
	cur, err := q.coll.Find(ctx, bson.D{}, opt)
	if err != nil {
		return nil, errors.Wrap(err, "query error")
	}
	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "query error")
	}
	ret := make([][]byte, len(docs))
	for i, d := range docs {
		ret[i] = d.Data
	}
	if len(docs) > 0 {
		last := docs[len(docs)-1].Seq
		if _, err := q.coll.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$lte", Value: last}}}}); err != nil {
			return nil, errors.Wrap(err, "delete error")
		}
	}
	return ret, nil
}

// Len 实现 db.EventQueue
func (q *Queue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	n, err := q.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		log.Warnf("获取 mongodb 队列长度失败: %v", err)
		return 0
	}
	return int(n)
}

// Close 实现 db.EventQueue
func (q *Queue) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return q.client.Disconnect(ctx)
}
