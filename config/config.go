package config

import (
	"actortx"
	"actortx/internel"
	"actortx/state"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

const (
	BackendMemory = "memory"
	BackendSqlite = "sqlite"
	BackendRedis  = "redis"
)

// Duration 在yaml中写作 "10s", "500ms"
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var text string
	if err := unmarshal(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

type OverloadConfig struct {
	Enabled bool    `yaml:"enabled"`
	Limit   float64 `yaml:"limit"`
	Burst   int     `yaml:"burst"`
}

type AgentConfig struct {
	Timeout        Duration       `yaml:"timeout"`
	MessageTimeout Duration       `yaml:"message_timeout"`
	Overload       OverloadConfig `yaml:"overload"`
}

type ParticipantConfig struct {
	LockAcquireTimeout Duration `yaml:"lock_acquire_timeout"`
	LockTimeout        Duration `yaml:"lock_timeout"`
	PrepareTimeout     Duration `yaml:"prepare_timeout"`
	PingFrequency      Duration `yaml:"ping_frequency"`
	MessageTimeout     Duration `yaml:"message_timeout"`
	MonitorTick        Duration `yaml:"monitor_tick"`
}

type StorageConfig struct {
	//memory, sqlite, redis
	Backend string `yaml:"backend"`
	//sqlite 数据库文件
	DSN                 string `yaml:"dsn"`
	RedisAddress        string `yaml:"redis_address"`
	RedisPassword       string `yaml:"redis_password"`
	CompactionThreshold int    `yaml:"compaction_threshold"`
}

type Config struct {
	Agent          AgentConfig       `yaml:"agent"`
	Participant    ParticipantConfig `yaml:"participant"`
	Storage        StorageConfig     `yaml:"storage"`
	Log            LogConfig         `yaml:"log"`
	MetricsAddress string            `yaml:"metrics_address"`
}

func NewDefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Timeout:        Duration(10 * time.Second),
			MessageTimeout: Duration(5 * time.Second),
			Overload:       OverloadConfig{Limit: 1000, Burst: 100},
		},
		Participant: ParticipantConfig{
			LockAcquireTimeout: Duration(10 * time.Second),
			LockTimeout:        Duration(8 * time.Second),
			PrepareTimeout:     Duration(20 * time.Second),
			PingFrequency:      Duration(60 * time.Second),
			MessageTimeout:     Duration(5 * time.Second),
			MonitorTick:        Duration(time.Second),
		},
		Storage: StorageConfig{
			Backend:             BackendMemory,
			RedisAddress:        "127.0.0.1:6379",
			CompactionThreshold: 64,
		},
		Log: LogConfig{Level: "info", Format: "console", OutputFile: "stderr"},
	}
}

// LoadFromFile 在默认值之上覆盖文件中出现的字段, 出错时配置保持不变
func (conf *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	merged := *conf
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	*conf = merged
	return nil
}

func (conf *Config) Validate() error {
	if conf.Agent.Timeout <= 0 {
		return fmt.Errorf("invalid agent timeout %v", time.Duration(conf.Agent.Timeout))
	}
	if conf.Agent.Overload.Enabled && (conf.Agent.Overload.Limit <= 0 || conf.Agent.Overload.Burst <= 0) {
		return fmt.Errorf("overload detector needs a positive limit and burst")
	}
	p := conf.Participant
	if p.LockTimeout <= 0 || p.LockAcquireTimeout <= 0 || p.PrepareTimeout <= 0 || p.MonitorTick <= 0 {
		return fmt.Errorf("participant timeouts must be positive")
	}
	switch conf.Storage.Backend {
	case BackendMemory:
	case BackendSqlite:
		if conf.Storage.DSN == "" {
			return fmt.Errorf("sqlite backend needs a dsn")
		}
	case BackendRedis:
		if conf.Storage.RedisAddress == "" {
			return fmt.Errorf("redis backend needs an address")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", conf.Storage.Backend)
	}
	return nil
}

func (conf *Config) AgentOptions(logger *zap.Logger) []actortx.Option {
	return []actortx.Option{
		actortx.WithTimeout(time.Duration(conf.Agent.Timeout)),
		actortx.WithMessageTimeout(time.Duration(conf.Agent.MessageTimeout)),
		actortx.WithLogger(logger),
		actortx.WithOverloadDetector(internel.NewOverloadDetector(internel.OverloadOptions{
			Enabled: conf.Agent.Overload.Enabled,
			Limit:   conf.Agent.Overload.Limit,
			Burst:   conf.Agent.Overload.Burst,
		})),
	}
}

func (conf *Config) ParticipantOptions(logger *zap.Logger) []state.Option {
	p := conf.Participant
	return []state.Option{
		state.WithLockAcquireTimeout(time.Duration(p.LockAcquireTimeout)),
		state.WithLockTimeout(time.Duration(p.LockTimeout)),
		state.WithPrepareTimeout(time.Duration(p.PrepareTimeout)),
		state.WithPingFrequency(time.Duration(p.PingFrequency)),
		state.WithMessageTimeout(time.Duration(p.MessageTimeout)),
		state.WithMonitorTick(time.Duration(p.MonitorTick)),
		state.WithLogger(logger),
	}
}
