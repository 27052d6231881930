package config

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	//debug, info, warn, error
	Level string `yaml:"level"`
	//json 或 console
	Format string `yaml:"format"`
	//stdout, stderr 或文件路径
	OutputFile string `yaml:"output_file"`
}

// NewLogger 进程启动时调用一次
func NewLogger(conf LogConfig) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(conf.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	ws, err := writeSyncer(conf.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder(conf.Format), ws, level)
	return zap.New(core, zap.AddCaller()).With(zap.String("service", "actortx")), nil
}

func encoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func writeSyncer(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", output, err)
		}
		return zapcore.AddSync(file), nil
	}
}
