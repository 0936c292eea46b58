package global

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

var dumpMutex sync.Mutex

func dumpStack() {
	dumpMutex.Lock()
	defer dumpMutex.Unlock()

	log.Info("开始 dump 当前 goroutine stack 信息")

	buf := make([]byte, 1024)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	fileName := fmt.Sprintf("%s.%d.stacks.%d.log", filepath.Base(os.Args[0]), os.Getpid(), time.Now().Unix())
	if err := os.WriteFile(fileName, buf, 0o644); err != nil {
		log.Errorf("保存 stackdump 到文件时出现错误: %v", err)
		log.Warnf("无法保存 stackdump. 将直接打印\n %s", buf)
		return
	}
	log.Infof("stackdump 已保存至 %s", fileName)
}

// SetupMainSignalHandler 返回收到 SIGINT 或 SIGTERM 时结束的 ctx
//
// 支持 dump 的平台上收到 dumpSignals 时会保存所有 goroutine 的栈.
func SetupMainSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	mc := make(chan os.Signal, 3)
	signal.Notify(mc, append([]os.Signal{os.Interrupt, syscall.SIGTERM}, dumpSignals...)...)
	go func() {
		defer signal.Stop(mc)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-mc:
				if sig == os.Interrupt || sig == syscall.SIGTERM {
					log.Infof("收到信号 %v, 准备退出", sig)
					cancel()
					return
				}
				dumpStack()
			}
		}
	}()
	return ctx, cancel
}
