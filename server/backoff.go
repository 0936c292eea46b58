package server

import (
	"math"
	"math/rand"
	"time"

	"github.com/Mrs4s/go-onebot/modules/config"
)

// Backoff 指数退避重连策略
type Backoff struct {
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter 抖动比例, 0.2 表示 ±20%
	Jitter float64
	// Disabled 连接断开后不再重连
	Disabled bool
}

// DefaultBackoff 默认重连策略
var DefaultBackoff = Backoff{
	Delay:      time.Second,
	MaxDelay:   30 * time.Second,
	Multiplier: 2,
	Jitter:     0.2,
}

// Next 第 failCount 次失败后的等待时间
//
// interval = Delay * Multiplier^failCount, 不超过 MaxDelay(为 0 时不超过 math.MaxInt64), 再叠加抖动.
func (b Backoff) Next(failCount int) time.Duration {
	if b.Delay <= 0 {
		b.Delay = DefaultBackoff.Delay
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	ceiling := float64(math.MaxInt64)
	if b.MaxDelay > 0 {
		ceiling = float64(b.MaxDelay)
	}
	backoff := float64(b.Delay)
	for i := 0; i < failCount && backoff < ceiling; i++ {
		backoff *= b.Multiplier
	}
	backoff = math.Min(backoff, ceiling)
	if b.Jitter > 0 {
		jitterRange := backoff * b.Jitter
		backoff += (rand.Float64()*2 - 1) * jitterRange
	}
	if backoff >= float64(math.MaxInt64) {
		return math.MaxInt64
	}
	return time.Duration(backoff)
}

func backoffFromConfig(conf config.Reconnect) Backoff {
	b := DefaultBackoff
	b.Disabled = conf.Disabled
	if conf.Delay > 0 {
		b.Delay = conf.Delay
	}
	if conf.MaxDelay > 0 {
		b.MaxDelay = conf.MaxDelay
	}
	if conf.Multiplier > 0 {
		b.Multiplier = conf.Multiplier
	}
	if conf.Jitter > 0 {
		b.Jitter = conf.Jitter
	}
	return b
}
