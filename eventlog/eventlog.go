// Package eventlog builds the process logger.
//
// Records go to the console and, when the configured log directory exists, to
// <logdirectory>/logfile. An existing log file is rotated away on startup and
// at most numlogfiles old files are kept.
package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/telebroad/ftpserverd/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the name of the active log file inside the log directory.
const FileName = "logfile"

const timeFormat = "2006-01-02 15:04:05.000"

// Log is the append-only event sink shared by every session.
// slog handlers serialize writes, so Record is safe for concurrent callers.
type Log struct {
	logger *slog.Logger
	file   *lumberjack.Logger
}

// ParseLevel maps LOG_LEVEL style names to a slog level. Unknown names are INFO.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New opens the log file described by cfg. console may be nil.
func New(cfg *config.Config, console io.Writer, level slog.Leveler) (*Log, error) {
	if console == nil {
		console = io.Discard
	}

	dir := cfg.String(config.LogDirectory)
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		if cfg.IsSet(config.LogDirectory) {
			if err == nil {
				err = errors.New("not a directory")
			}
			return nil, fmt.Errorf("log directory %s: %w", dir, err)
		}
		l := &Log{logger: newLogger(console, level, false)}
		l.logger.Warn("default log directory is unavailable, logging to the console only", "dir", dir)
		return l, nil
	}

	keep, err := cfg.Int(config.NumLogFiles)
	if err != nil {
		return nil, err
	}
	if keep < 0 {
		keep = 0
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(dir, FileName),
		MaxSize:    100, // megabytes
		MaxBackups: keep,
	}
	if keep > 0 {
		if info, err := os.Stat(file.Filename); err == nil && info.Size() > 0 {
			if err := file.Rotate(); err != nil {
				return nil, fmt.Errorf("error rotating log file: %w", err)
			}
		}
	}

	l := &Log{
		logger: newLogger(io.MultiWriter(console, file), level, true),
		file:   file,
	}
	l.logger.Info("opened log file", "file", file.Filename)
	return l, nil
}

func newLogger(w io.Writer, level slog.Leveler, noColor bool) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: timeFormat,
		NoColor:    noColor,
	})
	return slog.New(handler).With("app", "ftpserverd")
}

// Logger returns the slog logger backing the event log.
func (l *Log) Logger() *slog.Logger {
	return l.logger
}

// Record appends msg as a success or an error event.
func (l *Log) Record(msg string, isError bool) {
	if isError {
		l.logger.Error(msg)
		return
	}
	l.logger.Info(msg)
}

// Path returns the active log file, or "" when logging to the console only.
func (l *Log) Path() string {
	if l.file == nil {
		return ""
	}
	return l.file.Filename
}

func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
