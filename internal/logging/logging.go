// Package logging wraps a global zap logger and carries per-request loggers
// through contexts.
package logging

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

var (
	global *zap.Logger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config selects level, encoding and destination.
type Config struct {
	Level      string // debug, info, warn, error; anything else means info
	Format     string // "console" for human output, otherwise JSON
	OutputPath string // file path; empty means stderr
}

// Init replaces the global logger.
func Init(cfg Config) error {
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	var enc zapcore.Encoder
	if cfg.Format == "console" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	} else {
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	}

	sink := zapcore.Lock(os.Stderr)
	if cfg.OutputPath != "" && cfg.OutputPath != "stderr" {
		ws, _, err := zap.Open(cfg.OutputPath)
		if err != nil {
			return err
		}
		sink = ws
	}

	global = zap.New(zapcore.NewCore(enc, sink, level),
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	return nil
}

// InitDefault installs a JSON logger at info level.
func InitDefault() {
	_ = Init(Config{})
}

// Sync flushes buffered entries.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}

// L returns the global logger, creating a default one on first use.
func L() *zap.Logger {
	if global == nil {
		InitDefault()
	}
	return global
}

// Named returns a component logger. Unlike the package helpers it reports
// the caller's own line.
func Named(name string) *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(-1)).Named(name)
}

// WithContext returns the request logger stored in ctx, or the global one.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return l
	}
	return L()
}

// GetRequestID returns the id assigned by Middleware, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// NewID returns a sortable id for requests and WebSocket connections.
func NewID() string {
	return ulid.Make().String()
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { L().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Fatal logs and exits the process.
func Fatal(msg string, fields ...zap.Field) { L().Fatal(msg, fields...) }

// statusRecorder remembers the status and body size. It passes Hijack
// through so WebSocket upgrades work behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("logging: underlying ResponseWriter cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware assigns a request id (keeping one sent by the caller), stores a
// request logger in the context and logs one line per request. Health
// probes and WebSocket sessions log at debug level, server errors at warn.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = NewID()
		}
		w.Header().Set(RequestIDHeader, id)

		// Request loggers are called directly, so they drop the helper skip.
		base, ok := r.Context().Value(loggerKey).(*zap.Logger)
		if !ok {
			base = L().WithOptions(zap.AddCallerSkip(-1))
		}
		logger := base.With(zap.String("request_id", id))
		ctx := context.WithValue(r.Context(), loggerKey, logger)
		ctx = context.WithValue(ctx, requestIDKey, id)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", r.Pattern),
			zap.Int("status", rec.status),
			zap.Int64("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)),
		}
		switch {
		case rec.status >= 500:
			logger.Warn("request failed", fields...)
		case r.URL.Path == "/health" || rec.status == http.StatusSwitchingProtocols:
			logger.Debug("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	})
}
