package ingest

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kgoLogger adapts a go-kit logger to franz-go's logging hook.
type kgoLogger struct {
	logger log.Logger
}

func newKgoLogger(logger log.Logger) kgoLogger {
	return kgoLogger{logger: log.With(logger, "component", "kafka_client")}
}

func (l kgoLogger) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (l kgoLogger) Log(lev kgo.LogLevel, msg string, keyvals ...any) {
	keyvals = append([]any{"msg", msg}, keyvals...)
	switch lev {
	case kgo.LogLevelDebug:
		level.Debug(l.logger).Log(keyvals...)
	case kgo.LogLevelInfo:
		level.Info(l.logger).Log(keyvals...)
	case kgo.LogLevelWarn:
		level.Warn(l.logger).Log(keyvals...)
	case kgo.LogLevelError:
		level.Error(l.logger).Log(keyvals...)
	}
}
