// This package defines a common config struct which can be used by any subsystem within burrow.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug             bool
	RootDir           string
	MaxFriends        int
	DefaultLatencySec int
	DefaultServer     string
	LoggingPrefix     string
	writer            io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

// WithMaxFriends bounds the number of concurrent ack slots and therefore
// the number of non-deleted friends.
func WithMaxFriends(n int) Option {
	return func(c *Config) {
		c.MaxFriends = n
	}
}

func WithDefaultLatencySec(n int) Option {
	return func(c *Config) {
		c.DefaultLatencySec = n
	}
}

func WithDefaultServer(addr string) Option {
	return func(c *Config) {
		c.DefaultServer = addr
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:             os.Getenv("DEBUG") == "1",
		MaxFriends:        20,
		DefaultLatencySec: 60,
		DefaultServer:     "server1.burrow.im:443",
		LoggingPrefix:     "",
		RootDir:           ".",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
