// This package defines a common config struct which can be used by any subsystem within hush.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultHeyaPort = 8337

type Config struct {
	Debug                   bool
	RootDir                 string
	LoggingPrefix           string
	UserID                  string
	BackendURL              string
	HeyaHost                string
	HeyaPort                int
	MaxOneTimePrekeys       int
	OneTimePrekeyBatch      int
	MaxSkip                 uint
	ResendResetTimeoutMs    int64
	EnvelopeRetentionMs     int64
	HandlerTimeoutMs        int64
	RequestTimeoutMs        int64
	MaxConcurrentRecipients int
	writer                  io.Writer
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
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level))
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	return logger.Sugar()
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

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithUserID(id string) Option {
	return func(c *Config) {
		c.UserID = id
	}
}

func WithBackendURL(u string) Option {
	return func(c *Config) {
		c.BackendURL = u
	}
}

func WithHeya(host string, port int) Option {
	return func(c *Config) {
		c.HeyaHost = host
		c.HeyaPort = port
	}
}

func WithMaxOneTimePrekeys(n int) Option {
	return func(c *Config) {
		c.MaxOneTimePrekeys = n
	}
}

func WithOneTimePrekeyBatch(n int) Option {
	return func(c *Config) {
		c.OneTimePrekeyBatch = n
	}
}

func WithMaxSkip(n uint) Option {
	return func(c *Config) {
		c.MaxSkip = n
	}
}

func WithResendResetTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.ResendResetTimeoutMs = n
	}
}

func WithEnvelopeRetentionMs(n int64) Option {
	return func(c *Config) {
		c.EnvelopeRetentionMs = n
	}
}

func WithHandlerTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.HandlerTimeoutMs = n
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithMaxConcurrentRecipients(n int) Option {
	return func(c *Config) {
		c.MaxConcurrentRecipients = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                   os.Getenv("DEBUG") == "1",
		RootDir:                 ".",
		LoggingPrefix:           "",
		HeyaPort:                defaultHeyaPort,
		MaxOneTimePrekeys:       100,
		OneTimePrekeyBatch:      20,
		MaxSkip:                 1000,
		ResendResetTimeoutMs:    60 * 1000,
		EnvelopeRetentionMs:     7 * 24 * 60 * 60 * 1000,
		HandlerTimeoutMs:        20 * 1000,
		RequestTimeoutMs:        10 * 1000,
		MaxConcurrentRecipients: 16,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	c.writer = &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return c
}

// file mirrors Config for TOML decoding. Zero values leave defaults alone.
type file struct {
	Debug                   bool      `toml:"debug"`
	RootDir                 string    `toml:"root_dir"`
	LoggingPrefix           string    `toml:"logging_prefix"`
	UserID                  string    `toml:"user_id"`
	BackendURL              string    `toml:"backend_url"`
	Heya                    *heyaFile `toml:"heya"`
	MaxOneTimePrekeys       int       `toml:"max_one_time_prekeys"`
	OneTimePrekeyBatch      int       `toml:"one_time_prekey_batch"`
	MaxSkip                 uint      `toml:"max_skip"`
	ResendResetTimeoutMs    int64     `toml:"resend_reset_timeout_ms"`
	EnvelopeRetentionMs     int64     `toml:"envelope_retention_ms"`
	HandlerTimeoutMs        int64     `toml:"handler_timeout_ms"`
	RequestTimeoutMs        int64     `toml:"request_timeout_ms"`
	MaxConcurrentRecipients int       `toml:"max_concurrent_recipients"`
}

type heyaFile struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

func (f *file) options() []Option {
	var opts []Option
	if f.Debug {
		opts = append(opts, WithDebug(true))
	}
	if f.RootDir != "" {
		opts = append(opts, WithRootDir(f.RootDir))
	}
	if f.LoggingPrefix != "" {
		opts = append(opts, WithLoggingPrefix(f.LoggingPrefix))
	}
	if f.UserID != "" {
		opts = append(opts, WithUserID(f.UserID))
	}
	if f.BackendURL != "" {
		opts = append(opts, WithBackendURL(f.BackendURL))
	}
	if f.Heya != nil && f.Heya.Host != "" {
		port := f.Heya.Port
		if port == 0 {
			port = defaultHeyaPort
		}
		opts = append(opts, WithHeya(f.Heya.Host, port))
	}
	if f.MaxOneTimePrekeys != 0 {
		opts = append(opts, WithMaxOneTimePrekeys(f.MaxOneTimePrekeys))
	}
	if f.OneTimePrekeyBatch != 0 {
		opts = append(opts, WithOneTimePrekeyBatch(f.OneTimePrekeyBatch))
	}
	if f.MaxSkip != 0 {
		opts = append(opts, WithMaxSkip(f.MaxSkip))
	}
	if f.ResendResetTimeoutMs != 0 {
		opts = append(opts, WithResendResetTimeoutMs(f.ResendResetTimeoutMs))
	}
	if f.EnvelopeRetentionMs != 0 {
		opts = append(opts, WithEnvelopeRetentionMs(f.EnvelopeRetentionMs))
	}
	if f.HandlerTimeoutMs != 0 {
		opts = append(opts, WithHandlerTimeoutMs(f.HandlerTimeoutMs))
	}
	if f.RequestTimeoutMs != 0 {
		opts = append(opts, WithRequestTimeoutMs(f.RequestTimeoutMs))
	}
	if f.MaxConcurrentRecipients != 0 {
		opts = append(opts, WithMaxConcurrentRecipients(f.MaxConcurrentRecipients))
	}
	return opts
}

// Load decodes a TOML document. Options given here are applied after the file's values.
func Load(b []byte, opts ...Option) (*Config, error) {
	f := &file{}
	if err := toml.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("config: error decoding: %w", err)
	}
	return NewConfig(append(f.options(), opts...)...), nil
}

func LoadFile(path string, opts ...Option) (*Config, error) {
	f := &file{}
	if _, err := toml.DecodeFile(path, f); err != nil {
		return nil, fmt.Errorf("config: error decoding %s: %w", path, err)
	}
	return NewConfig(append(f.options(), opts...)...), nil
}
