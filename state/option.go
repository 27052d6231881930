package state

import (
	"actortx/pkg"
	"time"

	"go.uber.org/zap"
)

type Options struct {
	//执行阶段等待锁的最长时间
	LockAcquireTimeout time.Duration
	//执行阶段持有锁的最长时间, 超时后锁可以被其他事务打破
	LockTimeout time.Duration
	//TM等待所有Prepared的最长时间
	PrepareTimeout time.Duration
	//RemoteCommit在等待结果时向TM发送Ping的间隔
	PingFrequency time.Duration
	//单条消息的超时时间
	MessageTimeout time.Duration
	//后台轮询间隔
	MonitorTick time.Duration

	Logger *zap.Logger
	Clock  *pkg.CausalClock
}

type Option func(opts *Options)

func WithLockAcquireTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.LockAcquireTimeout = timeout
	}
}

func WithLockTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.LockTimeout = timeout
	}
}

func WithPrepareTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.PrepareTimeout = timeout
	}
}

func WithPingFrequency(frequency time.Duration) Option {
	return func(opts *Options) {
		opts.PingFrequency = frequency
	}
}

func WithMessageTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.MessageTimeout = timeout
	}
}

func WithMonitorTick(tick time.Duration) Option {
	return func(opts *Options) {
		opts.MonitorTick = tick
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// 同一进程内的参与者应共享同一个时钟
func WithClock(clock *pkg.CausalClock) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// 检查option参数是否合法
func checkOpt(opts *Options) {
	if opts.LockAcquireTimeout <= 0 {
		opts.LockAcquireTimeout = 10 * time.Second
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 8 * time.Second
	}
	if opts.PrepareTimeout <= 0 {
		opts.PrepareTimeout = 20 * time.Second
	}
	if opts.PingFrequency <= 0 {
		opts.PingFrequency = 60 * time.Second
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = 5 * time.Second
	}
	if opts.MonitorTick <= 0 {
		opts.MonitorTick = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = pkg.NewCausalClock()
	}
}
