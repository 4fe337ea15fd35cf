package log

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/natefinch/lumberjack.v2"
)

// MultiWriter fans a log line out to every appender. A failing appender does
// not stop the others.
type MultiWriter struct {
	writers []io.Writer
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{writers: make([]io.Writer, 0)}
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range m.writers {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}

func (m *MultiWriter) Add(writer io.Writer) *MultiWriter {
	m.writers = append(m.writers, writer)
	return m
}

// Len returns the number of appenders.
func (m *MultiWriter) Len() int {
	return len(m.writers)
}

// AddAppender builds the appender described by cfg and adds it.
func (m *MultiWriter) AddAppender(cfg AppenderConfig) error {
	switch cfg.Type {
	case "console", "stdout":
		m.Add(os.Stdout)
	case "stderr":
		m.Add(os.Stderr)
	case "file":
		var opts FileAppenderOptions
		if err := mapstructure.Decode(cfg.Options, &opts); err != nil {
			return fmt.Errorf("decode file appender options: %w", err)
		}
		if opts.Filename == "" {
			return fmt.Errorf("file appender requires 'filename' option")
		}
		m.AddFileAppender(opts)
	case "discard":
		m.Add(io.Discard)
	default:
		return fmt.Errorf("unsupported appender type: %q", cfg.Type)
	}
	return nil
}

func (m *MultiWriter) AddFileAppender(options FileAppenderOptions) *MultiWriter {
	writer := &lumberjack.Logger{
		Filename:   options.Filename,
		MaxSize:    options.MaxSize,    // megabytes
		MaxBackups: options.MaxBackups, // number of backups
		MaxAge:     options.MaxAge,     // days
		Compress:   options.Compress,   // compress the backups
	}
	m.writers = append(m.writers, writer)
	return m
}
