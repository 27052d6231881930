package internel

import (
	"golang.org/x/time/rate"
)

type OverloadOptions struct {
	Enabled bool
	//每秒允许开启的事务数
	Limit float64
	Burst int
}

// OverloadDetector 在事务开启速率超过限制时报告过载
type OverloadDetector struct {
	enabled bool
	limiter *rate.Limiter
}

func NewOverloadDetector(opts OverloadOptions) *OverloadDetector {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &OverloadDetector{
		enabled: opts.Enabled,
		limiter: rate.NewLimiter(rate.Limit(opts.Limit), opts.Burst),
	}
}

// IsOverloaded 消耗一个令牌, 拿不到令牌即为过载
func (od *OverloadDetector) IsOverloaded() bool {
	if od == nil || !od.enabled {
		return false
	}
	return !od.limiter.Allow()
}
