package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger 새로운 로거 생성
func NewLogger(serviceName string, development bool, level string) (*zap.Logger, error) {
	var config zap.Config

	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	config.InitialFields = map[string]interface{}{
		"service": serviceName,
	}

	return config.Build()
}

// NewTestLogger 테스트용 로거 생성
func NewTestLogger() *zap.Logger {
	return zap.NewNop()
}

// TemporalAdapter Temporal SDK 로거 인터페이스를 zap으로 연결
type TemporalAdapter struct {
	sugar *zap.SugaredLogger
}

// NewTemporalAdapter Temporal 로거 어댑터 생성
func NewTemporalAdapter(logger *zap.Logger) *TemporalAdapter {
	return &TemporalAdapter{sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (a *TemporalAdapter) Debug(msg string, keyvals ...interface{}) { a.sugar.Debugw(msg, keyvals...) }
func (a *TemporalAdapter) Info(msg string, keyvals ...interface{})  { a.sugar.Infow(msg, keyvals...) }
func (a *TemporalAdapter) Warn(msg string, keyvals ...interface{})  { a.sugar.Warnw(msg, keyvals...) }
func (a *TemporalAdapter) Error(msg string, keyvals ...interface{}) { a.sugar.Errorw(msg, keyvals...) }
