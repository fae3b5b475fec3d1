package logging

import (
	"strings"
	"time"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the process logger.
type Options struct {
	Level     string
	SentryDSN string
	Tags      map[string]string
}

// Logger bundles the zap logger with the optional sentry client that receives its errors.
type Logger struct {
	*zap.Logger
	sentryClient *sentry.Client
}

// ParseLevel maps a textual level to a zap level, falling back to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger returns a zap logger configured for structured production logging.
// When a sentry DSN is provided, error-level entries are also reported to sentry
// with lower-level entries kept as breadcrumbs.
func NewLogger(options Options) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(options.Level))

	baseLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(options.SentryDSN) == "" {
		return &Logger{Logger: baseLogger}, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:   options.SentryDSN,
		Debug: ParseLevel(options.Level) == zapcore.DebugLevel,
	})
	if err != nil {
		_ = baseLogger.Sync()
		return nil, err
	}

	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level:             zapcore.ErrorLevel,
		EnableBreadcrumbs: true,
		BreadcrumbLevel:   zapcore.InfoLevel,
		Tags:              options.Tags,
	}, zapsentry.NewSentryClientFromClient(client))
	if err != nil {
		_ = baseLogger.Sync()
		return nil, err
	}

	return &Logger{
		Logger:       zapsentry.AttachCoreToLogger(core, baseLogger),
		sentryClient: client,
	}, nil
}

// Close flushes buffered log entries and pending sentry events.
func (l *Logger) Close(timeout time.Duration) {
	if l == nil {
		return
	}
	if l.sentryClient != nil {
		l.sentryClient.Flush(timeout)
	}
	if l.Logger != nil {
		_ = l.Logger.Sync()
	}
}
