// Package observability builds the structured loggers of mesh processes.
// Every entry carries the process and experiment it came from, and node
// loggers add the node id, so the output of a whole experiment can be
// merged and filtered afterwards.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nel-eleven11/lora_mesh_lab/config"
	"github.com/nel-eleven11/lora_mesh_lab/lib"
)

// Fields identify a process in the merged experiment log.
type Fields struct {
	Process    string // meshnode or meshsim
	Experiment string
	// Node is set when the process runs a single node whose id is known
	// before the logger is built.
	Node lib.NodeID
}

// Setup builds the logger described by c and tags it with f. The returned
// func flushes and closes the outputs; call it on exit.
func Setup(c config.LogConfig, f Fields) (*zap.Logger, func(), error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		syncers []zapcore.WriteSyncer
		closers []func()
	)
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}
	for _, out := range c.Outputs {
		ws, closeFn, err := open(out, c.Rotation)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("log output %s: %w", out, err)
		}
		syncers = append(syncers, ws)
		closers = append(closers, closeFn)
	}

	core := zapcore.NewCore(encoder(c), zapcore.NewMultiWriteSyncer(syncers...), level)
	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if c.Development {
		opts = append(opts, zap.Development())
	}

	var tags []zap.Field
	if f.Process != "" {
		tags = append(tags, zap.String("process", f.Process))
	}
	if f.Experiment != "" {
		tags = append(tags, zap.String("experiment", f.Experiment))
	}
	logger := zap.New(core, opts...).With(tags...)
	if f.Node != 0 {
		logger = NodeLogger(logger, f.Node)
	}

	return logger, func() {
		_ = logger.Sync()
		closeAll()
	}, nil
}

// NodeLogger tags every entry with the node id.
func NodeLogger(base *zap.Logger, id lib.NodeID) *zap.Logger {
	return base.With(zap.Uint8("node", uint8(id)))
}

func parseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(s)
}

// encoder writes durations as strings since backoff waits and airtime are
// logged far more often than anything else.
func encoder(c config.LogConfig) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	if c.Development {
		ec = zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.StringDurationEncoder
	if strings.EqualFold(c.Format, "json") {
		return zapcore.NewJSONEncoder(ec)
	}
	return zapcore.NewConsoleEncoder(ec)
}

// open resolves one output. Files go through lumberjack when rotation is
// enabled, otherwise through zap.Open.
func open(out string, r config.RotationConfig) (zapcore.WriteSyncer, func(), error) {
	std := strings.EqualFold(out, "stdout") || strings.EqualFold(out, "stderr")
	if std {
		return zap.Open(strings.ToLower(out))
	}
	if r.Enable {
		name := out
		if r.Filename != "" {
			name = r.Filename
		}
		lj := &lumberjack.Logger{
			Filename:   name,
			MaxSize:    r.MaxSizeMB,
			MaxBackups: r.MaxBackups,
			MaxAge:     r.MaxAgeDays,
			Compress:   r.Compress,
		}
		return zapcore.AddSync(lj), func() { _ = lj.Close() }, nil
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, nil, err
	}
	return zap.Open(out)
}
