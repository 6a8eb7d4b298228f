package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Ensure logrusLogger implements the Logger interface
var _ Logger = (*logrusLogger)(nil)

// DefaultFileName is the log file written inside Options.Dir.
const DefaultFileName = "mecharm.log"

// Options configures NewLogrusLogger.
type Options struct {
	Level   string    // debug, info, warn, error; unknown values fall back to info
	Dir     string    // when set, also log to Dir/mecharm.log
	Console io.Writer // console output; nil disables console logging
}

// logrusLogger wraps logrus to satisfy the Logger interface
type logrusLogger struct {
	entry *logrus.Entry
	file  *os.File // shared by loggers derived with WithField
}

// NewLogrusLogger creates a logger that writes to the console writer, the log
// file, or both.
func NewLogrusLogger(opts Options) (Logger, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	l.SetFormatter(&SimpleFormatter{
		TimestampFormat: "2006/01/02 15:04:05.000000",
	})

	var writers []io.Writer
	var file *os.File
	if opts.Console != nil {
		writers = append(writers, opts.Console)
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory '%s': %w", opts.Dir, err)
		}
		path := filepath.Join(opts.Dir, DefaultFileName)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("open log file '%s': %w", path, err)
		}
		writers = append(writers, f)
		file = f
	}

	switch len(writers) {
	case 0:
		l.SetOutput(io.Discard)
	case 1:
		l.SetOutput(writers[0])
	default:
		l.SetOutput(io.MultiWriter(writers...))
	}

	return &logrusLogger{entry: logrus.NewEntry(l), file: file}, nil
}

// Close closes the log file behind l, if any. Other loggers are left alone.
func Close(l Logger) error {
	ll, ok := l.(*logrusLogger)
	if !ok || ll.file == nil {
		return nil
	}
	return ll.file.Close()
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *logrusLogger) Infof(format string, args ...interface{}) {
	l.entry.Infof(format, args...)
}

func (l *logrusLogger) Warnf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *logrusLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *logrusLogger) Fatalf(format string, args ...interface{}) {
	l.entry.Fatalf(format, args...)
}

// WithField returns a Logger that appends key=value to every line.
// Loggers that are not logrus-backed are returned unchanged.
func WithField(l Logger, key string, value interface{}) Logger {
	if ll, ok := l.(*logrusLogger); ok {
		return &logrusLogger{entry: ll.entry.WithField(key, value), file: ll.file}
	}
	return l
}

// SimpleFormatter formats logs in a concise way, similar to the standard log package.
// Example: 2025/04/06 17:30:00.000000 [INF] session connected session=4f1c...
type SimpleFormatter struct {
	TimestampFormat string
}

// Format implements the logrus.Formatter interface
func (f *SimpleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestampFormat := f.TimestampFormat
	if timestampFormat == "" {
		timestampFormat = "2006/01/02 15:04:05.000000"
	}

	b.WriteString(entry.Time.Format(timestampFormat))
	b.WriteString(" ")

	// Level (e.g. [INF], [WAR])
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 3 {
		level = level[:3]
	}
	fmt.Fprintf(b, "[%s] ", level)

	b.WriteString(entry.Message)

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
		}
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}
