// Package logging — zap-логгер сервиса: JSON в prod, консоль в остальных окружениях.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log — корневой логгер и его уровень; уровень меняется на лету через SetLevel.
type Log struct {
	Base  *zap.Logger
	Level zap.AtomicLevel
}

// Init пишет в stdout.
func Init(level, env string) (*Log, error) {
	return New(level, env, zapcore.Lock(os.Stdout))
}

func New(level, env string, out zapcore.WriteSyncer) (*Log, error) {
	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("logging: level %q: %w", level, err)
		}
	}
	env = strings.ToLower(env)

	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}

	var enc zapcore.Encoder
	if env == "prod" {
		enc = zapcore.NewJSONEncoder(ec)
	} else {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
		opts = append(opts, zap.Development())
	}

	base := zap.New(zapcore.NewCore(enc, out, lvl), opts...).
		With(zap.String("service", "attendance"), zap.String("env", env))
	return &Log{Base: base, Level: lvl}, nil
}

func (l *Log) SetLevel(level string) error {
	return l.Level.UnmarshalText([]byte(strings.ToLower(level)))
}

// Sync — перед выходом; ошибка sync для stdout на linux ожидаема.
func (l *Log) Sync() { _ = l.Base.Sync() }
