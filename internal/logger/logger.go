// Package logger builds the process zap logger from the log config section.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Level  string
	Format string // json or console
	// Outputs lists sinks: "stdout", "stderr" or "file".
	Outputs   []string
	File      string
	ErrorFile string
}

func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Format:  "json",
		Outputs: []string{"stdout"},
	}
}

// New returns the logger and a closer that syncs it and releases the files.
func New(cfg Config) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.MessageKey = "event"
	var console zapcore.Encoder
	if cfg.Format == "console" {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		devCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		console = zapcore.NewConsoleEncoder(devCfg)
	} else {
		console = zapcore.NewJSONEncoder(encCfg)
	}

	var (
		cores []zapcore.Core
		files []*os.File
	)
	closeFiles := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	for _, out := range cfg.Outputs {
		switch strings.ToLower(strings.TrimSpace(out)) {
		case "stdout":
			cores = append(cores, zapcore.NewCore(console, zapcore.Lock(os.Stdout), level))
		case "stderr":
			cores = append(cores, zapcore.NewCore(console, zapcore.Lock(os.Stderr), level))
		case "file":
			if cfg.File == "" {
				closeFiles()
				return nil, nil, fmt.Errorf("log output file requires a path")
			}
			f, err := openLogFile(cfg.File)
			if err != nil {
				closeFiles()
				return nil, nil, err
			}
			files = append(files, f)
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level))
		default:
			closeFiles()
			return nil, nil, fmt.Errorf("unknown log output %q", out)
		}
	}
	if cfg.ErrorFile != "" {
		f, err := openLogFile(cfg.ErrorFile)
		if err != nil {
			closeFiles()
			return nil, nil, err
		}
		files = append(files, f)
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.ErrorLevel))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(console, zapcore.Lock(os.Stdout), level))
	}

	log := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	closer := func() error {
		_ = log.Sync()
		closeFiles()
		return nil
	}
	return log, closer, nil
}

func openLogFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file failed: %w", err)
	}
	return f, nil
}
