// Package logging builds the zap loggers handed to every component.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config contains logging configuration
type Config struct {
	// Output is "stdout", "stderr" or a file path rotated by lumberjack.
	Output       string            `mapstructure:"output"`
	Level        string            `mapstructure:"level"`
	ModuleLevels map[string]string `mapstructure:"module_levels"`
	Encoding     string            `mapstructure:"encoding"` // json or console
	Development  bool              `mapstructure:"development"`

	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`

	Sampling bool `mapstructure:"sampling"`
}

// DefaultConfig returns console logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Output:     "stderr",
		Level:      "info",
		Encoding:   "console",
		MaxSizeMB:  100,
		MaxBackups: 7,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// Factory provides centralized logger creation. The root level is atomic
// so it can be changed on a config reload.
type Factory struct {
	config Config
	level  zap.AtomicLevel
	writer zapcore.WriteSyncer
	root   *zap.Logger

	mu      sync.RWMutex
	loggers map[string]*zap.Logger
}

// NewFactory creates the root logger.
func NewFactory(config Config) (*Factory, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	writer, err := buildWriter(config)
	if err != nil {
		return nil, err
	}

	f := &Factory{
		config:  config,
		level:   zap.NewAtomicLevelAt(level),
		writer:  writer,
		loggers: make(map[string]*zap.Logger),
	}
	f.root = zap.New(f.buildCore(f.level), buildOptions(config)...)
	return f, nil
}

// Root returns the root logger.
func (f *Factory) Root() *zap.Logger {
	return f.root
}

// Logger returns the named logger for module.
func (f *Factory) Logger(module string) *zap.Logger {
	f.mu.RLock()
	if logger, ok := f.loggers[module]; ok {
		f.mu.RUnlock()
		return logger
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if logger, ok := f.loggers[module]; ok {
		return logger
	}

	logger := f.root.Named(module)
	if levelStr, ok := f.config.ModuleLevels[module]; ok {
		if level, err := zapcore.ParseLevel(levelStr); err == nil {
			core := f.buildCore(zap.NewAtomicLevelAt(level))
			logger = logger.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core {
				return core
			}))
		}
	}

	f.loggers[module] = logger
	return logger
}

// SetLevel changes the root level of every logger without a module level.
func (f *Factory) SetLevel(levelStr string) error {
	level, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	f.level.SetLevel(level)
	return nil
}

// Level returns the current root level.
func (f *Factory) Level() zapcore.Level {
	return f.level.Level()
}

// Sync flushes buffered output.
func (f *Factory) Sync() error {
	return f.root.Sync()
}

func (f *Factory) buildCore(level zapcore.LevelEnabler) zapcore.Core {
	encoderConfig := buildEncoderConfig(f.config)

	var encoder zapcore.Encoder
	if f.config.Encoding == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, f.writer, level)
	if f.config.Sampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	}
	return core
}

func buildWriter(config Config) (zapcore.WriteSyncer, error) {
	switch config.Output {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	}

	if err := os.MkdirAll(filepath.Dir(config.Output), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file := zapcore.AddSync(&lumberjack.Logger{
		Filename:   config.Output,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
	})
	if config.Development {
		return zapcore.NewMultiWriteSyncer(file, zapcore.Lock(os.Stderr)), nil
	}
	return file, nil
}

func buildEncoderConfig(config Config) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if config.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return encoderConfig
}

func buildOptions(config Config) []zap.Option {
	options := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if config.Development {
		options = append(options, zap.Development())
	}
	if hostname, err := os.Hostname(); err == nil {
		options = append(options, zap.Fields(zap.String("host", hostname)))
	}
	return options
}
