package logger

import (
	"context"
	"fmt"
	"fuzzhub/config"
	"fuzzhub/pkg/telemetry"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LoggerParams struct {
	fx.In
	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	Telemetry telemetry.Telemetry `optional:"true"`
}

func NewLogger(p LoggerParams) *zap.Logger {
	loggerCtx, cancel := context.WithCancel(context.Background())
	p.Lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})

	cfg := buildConfig(p.AppConfig.LogLevel)

	if p.Telemetry == nil || p.Telemetry.GetLogger() == nil {
		return build(cfg).Named(p.AppConfig.ServiceName)
	}

	lg, err := cfg.Build(
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return &telemetryCore{
				Core:  core,
				otel:  p.Telemetry.GetLogger(),
				ctx:   loggerCtx,
				attrs: []attribute.KeyValue{attribute.String("service.component", "fuzzhub")},
			}
		}),
		zap.AddCaller(),
	)
	if err != nil {
		return build(cfg).Named(p.AppConfig.ServiceName)
	}
	lg.Debug("logger exporting to telemetry")
	return lg.Named(p.AppConfig.ServiceName)
}

// New returns a plain logger for binaries that do not run inside fx.
func New(level string) *zap.Logger {
	return build(buildConfig(level))
}

func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

func buildConfig(level string) zap.Config {
	lvl := ParseLevel(level)

	var cfg zap.Config
	if lvl > zapcore.InfoLevel {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg
}

func build(cfg zap.Config) *zap.Logger {
	lg, err := cfg.Build()
	if err != nil {
		// log failed to build, return a default one
		return zap.NewExample()
	}
	return lg
}

// telemetryCore writes through the wrapped core and mirrors every entry
// into an OpenTelemetry log record.
type telemetryCore struct {
	zapcore.Core
	otel  log.Logger
	ctx   context.Context
	attrs []attribute.KeyValue
}

func (t *telemetryCore) With(fields []zapcore.Field) zapcore.Core {
	return &telemetryCore{
		Core:  t.Core.With(fields),
		otel:  t.otel,
		ctx:   t.ctx,
		attrs: append(append([]attribute.KeyValue{}, t.attrs...), fieldAttributes(fields)...),
	}
}

func (t *telemetryCore) Check(ent zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if t.Enabled(ent.Level) {
		return checked.AddCore(ent, t)
	}
	return checked
}

func (t *telemetryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if err := t.Core.Write(ent, fields); err != nil {
		return err
	}

	rec := log.Record{}
	rec.SetTimestamp(ent.Time)
	rec.SetBody(log.StringValue(ent.Message))
	rec.SetSeverityText(ent.Level.String())
	if ent.LoggerName != "" {
		rec.AddAttributes(log.String("logger", ent.LoggerName))
	}
	for _, attr := range t.attrs {
		rec.AddAttributes(log.KeyValueFromAttribute(attr))
	}
	for _, attr := range fieldAttributes(fields) {
		rec.AddAttributes(log.KeyValueFromAttribute(attr))
	}

	t.otel.Emit(t.ctx, rec)
	return nil
}

func fieldAttributes(fields []zapcore.Field) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for _, f := range fields {
		switch f.Type {
		case zapcore.BoolType:
			attrs = append(attrs, attribute.Bool(f.Key, f.Integer != 0))
		case zapcore.Float64Type:
			attrs = append(attrs, attribute.Float64(f.Key, math.Float64frombits(uint64(f.Integer))))
		case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type,
			zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
			attrs = append(attrs, attribute.Int64(f.Key, f.Integer))
		case zapcore.StringType:
			attrs = append(attrs, attribute.String(f.Key, f.String))
		case zapcore.DurationType:
			attrs = append(attrs, attribute.String(f.Key, time.Duration(f.Integer).String()))
		case zapcore.ErrorType:
			if errVal, ok := f.Interface.(error); ok {
				attrs = append(attrs, attribute.String(f.Key, errVal.Error()))
			}
		default:
			attrs = append(attrs, attribute.String(f.Key, fmt.Sprint(f.Interface)))
		}
	}
	return attrs
}
