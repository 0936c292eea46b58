// Package core 将通信组件与传输层组合运行, 负责统一的启动与关闭
package core

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/Mrs4s/go-onebot/obc"
	"github.com/Mrs4s/go-onebot/pkg/onebot"
)

// Transport 传输层
type Transport interface {
	Name() string
	// Mandatory 启动失败时是否终止整个实例
	Mandatory() bool
	// Listen 同步绑定资源, 失败视为启动失败
	Listen(ctx context.Context) error
	// Serve 阻塞运行直至 ctx 结束
	Serve(ctx context.Context) error
}

// backgrounder 需要后台任务的通信组件
type backgrounder interface {
	Background(ctx context.Context) error
}

// DefaultShutdownGrace 默认的关闭等待时间
const DefaultShutdownGrace = 5 * time.Second

// Options 运行选项
type Options struct {
	// ShutdownGrace 关闭时等待处理中的请求完成的时间
	ShutdownGrace time.Duration
	// OnStart 在绑定传输层之前调用, 返回错误时不启动
	OnStart func(ctx context.Context) error
	// OnShutdown 在所有任务结束之后调用, 其错误并入 Shutdown 的返回值
	OnShutdown func(ctx context.Context) error
}

// OneBot 一个 OneBot 实例
type OneBot struct {
	peer obc.Peer
	opt  Options

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	tasks   []*Task
}

// New 创建实例
func New(peer obc.Peer, opt Options) *OneBot {
	if opt.ShutdownGrace <= 0 {
		opt.ShutdownGrace = DefaultShutdownGrace
	}
	return &OneBot{peer: peer, opt: opt}
}

// Peer 实例使用的通信组件
func (b *OneBot) Peer() obc.Peer { return b.peer }

// Running 是否正在运行
func (b *OneBot) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Start 启动所有传输层, 每个传输层对应一个任务
//
// 必需的传输层启动失败时返回 *onebot.TransportBindError, 已启动的传输层会被关闭;
// 非必需的传输层启动失败只记录日志, 其任务以该错误结束.
func (b *OneBot) Start(ctx context.Context, transports ...Transport) ([]*Task, error) {
	if len(transports) == 0 {
		return nil, onebot.ErrNoTransportConfigured
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil, onebot.ErrAlreadyRunning
	}
	if b.closed {
		return nil, errors.Wrap(onebot.ErrNotRunning, "peer has been closed")
	}
	if b.opt.OnStart != nil {
		if err := b.opt.OnStart(ctx); err != nil {
			return nil, errors.Wrap(err, "start hook")
		}
	}

	tctx, cancel := context.WithCancel(ctx)
	tasks := make([]*Task, 0, len(transports)+1)
	var listened []Transport
	var fatal error
	for _, t := range transports {
		if err := t.Listen(tctx); err != nil {
			bindErr := &onebot.TransportBindError{Transport: t.Name(), Err: err}
			if t.Mandatory() {
				log.Errorf("%v 启动失败, 请检查端口是否被占用: %v", t.Name(), err)
				fatal = bindErr
				break
			}
			log.Warnf("%v 启动失败: %v", t.Name(), err)
			tasks = append(tasks, completedTask(t.Name(), bindErr))
			continue
		}
		listened = append(listened, t)
	}
	if fatal != nil {
		// 释放已绑定的资源
		cancel()
		for _, t := range listened {
			_ = runTask(tctx, t.Name(), t.Serve).Wait()
		}
		return nil, fatal
	}

	for _, t := range listened {
		tasks = append(tasks, runTask(tctx, t.Name(), t.Serve))
	}
	if bg, ok := b.peer.(backgrounder); ok {
		tasks = append(tasks, runTask(tctx, "background", bg.Background))
	}
	b.running = true
	b.cancel = cancel
	b.tasks = tasks
	log.Infof("OneBot %v 已启动, 共 %d 个传输层", b.peer.Role(), len(listened))
	return tasks, nil
}

// Shutdown 关闭实例
//
// 依次停止接受新连接, 关闭所有连接, 在 ShutdownGrace 内等待处理中的请求, 最后等待所有任务结束.
func (b *OneBot) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return onebot.ErrNotRunning
	}
	b.running = false
	b.closed = true
	cancel, tasks := b.cancel, b.tasks
	b.cancel, b.tasks = nil, nil
	b.mu.Unlock()

	log.Infof("正在关闭 OneBot...")
	cancel()
	graceCtx, graceCancel := context.WithTimeout(ctx, b.opt.ShutdownGrace)
	defer graceCancel()
	err := b.peer.Close(graceCtx)
	for _, t := range tasks {
		select {
		case <-t.Done():
			if terr := t.Err(); terr != nil && !errors.Is(terr, onebot.ErrTransportBind) {
				err = multierr.Append(err, errors.Wrapf(terr, "task %s", t.Name()))
			}
		case <-ctx.Done():
			err = multierr.Append(err, errors.Wrapf(ctx.Err(), "task %s did not stop", t.Name()))
		}
	}
	if b.opt.OnShutdown != nil {
		if herr := b.opt.OnShutdown(ctx); herr != nil {
			err = multierr.Append(err, errors.Wrap(herr, "shutdown hook"))
		}
	}
	log.Infof("OneBot 已关闭")
	return err
}

// Run 启动并阻塞直至 ctx 结束, 然后关闭实例
func (b *OneBot) Run(ctx context.Context, transports ...Transport) error {
	if _, err := b.Start(ctx, transports...); err != nil {
		return err
	}
	<-ctx.Done()
	return b.Shutdown(context.Background())
}

// Task 一个后台任务
type Task struct {
	name string
	done chan struct{}
	err  error
}

func runTask(ctx context.Context, name string, fn func(context.Context) error) *Task {
	t := &Task{name: name, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if err := recover(); err != nil {
				log.Errorf("任务 %v 发生无法恢复的异常：%v\n%s", name, err, debug.Stack())
				t.err = errors.Errorf("task panic: %v", err)
			}
		}()
		t.err = fn(ctx)
		if t.err != nil {
			log.Warnf("任务 %v 异常结束: %v", name, t.err)
		}
	}()
	return t
}

func completedTask(name string, err error) *Task {
	t := &Task{name: name, done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

// Name 任务名称, 通常为传输层名称
func (t *Task) Name() string { return t.name }

// Done 任务结束时关闭
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait 等待任务结束并返回其错误
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Err 任务的错误, 任务未结束时为 nil
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}
