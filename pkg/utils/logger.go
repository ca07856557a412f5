package utils

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
)

var colors = []color.Attribute{color.FgYellow, color.FgGreen, color.FgCyan, color.FgWhite, color.FgMagenta, color.FgBlue}
var index = -1

var l sync.Mutex

const MaxNameLength = 24

// ColorLogger provides an io.Writer that prefixes every line with a colored
// job instance name.
type ColorLogger struct {
	mu     sync.Mutex
	name   string
	writer io.Writer
	c      *color.Color
	buf    bytes.Buffer
}

func NewColorLogger(name string, writer io.Writer, newColor bool) *ColorLogger {
	l.Lock()
	if newColor || index < 0 {
		index = (index + 1) % len(colors)
	}
	c := colors[index]
	l.Unlock()

	if r := []rune(name); len(r) > MaxNameLength {
		name = string(r[:MaxNameLength-3]) + "..."
	}

	return &ColorLogger{
		name:   name,
		writer: writer,
		c:      color.New(c),
	}
}

func (c *ColorLogger) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Write(p)
	for {
		line, err := c.buf.ReadBytes('\n')
		if err != nil {
			// keep the partial line for the next write
			c.buf.Write(line)
			break
		}
		if err := c.emit(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush writes out a trailing partial line.
func (c *ColorLogger) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buf.Len() == 0 {
		return nil
	}
	line := append(c.buf.Bytes(), '\n')
	c.buf.Reset()
	return c.emit(line)
}

func (c *ColorLogger) emit(line []byte) error {
	_, err := c.c.Fprintf(c.writer, "%-*s | %s", MaxNameLength, c.name, line)
	return err
}

// NewLogger builds the engine logger from a level and a format
// (text, json or logfmt).
func NewLogger(w io.Writer, level, format string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = log.InfoLevel
	}

	formatter := log.TextFormatter
	switch strings.ToLower(format) {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}

	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
		Prefix:          "dotflow",
	})
}

type loggerKey struct{}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or the package default logger.
func LoggerFrom(ctx context.Context) *log.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*log.Logger); ok {
		return logger
	}
	return log.Default()
}
