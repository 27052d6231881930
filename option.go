package actortx

import (
	"actortx/internel"
	"actortx/pkg"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Options struct {
	//事务默认超时时间, StartTransaction未指定时使用
	Timeout time.Duration
	//单向消息的超时时间
	MessageTimeout time.Duration

	Logger     *zap.Logger
	Selector   TMSelector
	Overload   *internel.OverloadDetector
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	Clock      *pkg.CausalClock
}

type Option func(opts *Options)

func WithTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.Timeout = timeout
	}
}

func WithMessageTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.MessageTimeout = timeout
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

func WithTMSelector(selector TMSelector) Option {
	return func(opts *Options) {
		opts.Selector = selector
	}
}

func WithOverloadDetector(detector *internel.OverloadDetector) Option {
	return func(opts *Options) {
		opts.Overload = detector
	}
}

func WithMetrics(registerer prometheus.Registerer) Option {
	return func(opts *Options) {
		opts.Registerer = registerer
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(opts *Options) {
		opts.Tracer = tracer
	}
}

func WithClock(clock *pkg.CausalClock) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// 检查option参数是否合法
func checkOpt(opts *Options) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Selector == nil {
		opts.Selector = FirstWriter{}
	}
	if opts.Clock == nil {
		opts.Clock = pkg.NewCausalClock()
	}
}
