package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

const (
	LevelFatal slog.Level = 12

	logRetention = 30 * 24 * time.Hour
)

// output is the shared sink behind every AsyncHandler derived from the same root,
// so WithAttrs/WithGroup children write through the same worker and file.
type output struct {
	ch          chan []byte
	mu          sync.Mutex
	writer      io.Writer
	currentDay  int
	currentFile *os.File
	basePath    string
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

type AsyncHandler struct {
	out      *output
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

func NewAsyncHandler(basePath string, logLevel slog.Level) *AsyncHandler {
	out := &output{
		ch:       make(chan []byte, 1024),
		basePath: basePath,
		writer:   os.Stdout,
	}
	if err := out.rotateIfNeeded(); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v, logging to stdout only\n", err)
	}
	out.cleanOldLogs()
	out.wg.Add(1)
	go out.startWorker()
	return &AsyncHandler{out: out, logLevel: logLevel}
}

func (o *output) cleanOldLogs() {
	if o.basePath == "" {
		return
	}
	files, _ := filepath.Glob(filepath.Join(o.basePath, "*.log"))
	now := time.Now()
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > logRetention {
			_ = os.Remove(f)
		}
	}
}

// rotateIfNeeded opens the log file for the current day, closing the previous one.
func (o *output) rotateIfNeeded() error {
	if o.basePath == "" {
		return nil
	}
	now := time.Now()
	currentDay := now.YearDay()
	if currentDay == o.currentDay && o.currentFile != nil {
		return nil
	}

	if o.currentFile != nil {
		if err := o.currentFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		o.currentFile = nil
	}

	logPath := filepath.Join(o.basePath, now.Format("2006-01-02")+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	o.currentFile = f
	o.currentDay = currentDay
	o.writer = io.MultiWriter(os.Stdout, f)
	return nil
}

func (o *output) startWorker() {
	defer o.wg.Done()
	for data := range o.ch {
		o.mu.Lock()
		_ = o.rotateIfNeeded()
		_, _ = o.writer.Write(data)
		o.mu.Unlock()
	}
}

func (o *output) close() {
	o.closeOnce.Do(func() {
		close(o.ch)
		o.wg.Wait()
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.currentFile != nil {
			_ = o.currentFile.Sync()
			_ = o.currentFile.Close()
			o.currentFile = nil
		}
	})
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	case LevelFatal:
		level = color.HiRedString("FATAL")
	}

	var line strings.Builder
	fmt.Fprintf(&line, "%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		level,
		color.CyanString(r.Message),
	)

	prefix := ""
	if h.group != "" {
		prefix = h.group + "."
	}
	for _, attr := range h.attrs {
		line.WriteString(color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value)))
	}
	r.Attrs(func(attr slog.Attr) bool {
		line.WriteString(color.CyanString(fmt.Sprintf(" %s%s=%v", prefix, attr.Key, attr.Value)))
		return true
	})
	line.WriteString("\n")

	h.Write([]byte(line.String()))
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)
	return &AsyncHandler{out: h.out, attrs: newAttrs, group: h.group, logLevel: h.logLevel}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{out: h.out, attrs: h.attrs, group: name, logLevel: h.logLevel}
}

// Write queues p for the worker. Lines logged after Close go straight to stderr.
func (h *AsyncHandler) Write(p []byte) {
	pb := make([]byte, len(p))
	copy(pb, p)
	defer func() {
		if recover() != nil {
			_, _ = os.Stderr.Write(pb)
		}
	}()
	h.out.ch <- pb
}

func (h *AsyncHandler) Close() error {
	h.out.close()
	return nil
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(ctx context.Context) error {
	return lc.handler.Close()
}

// Init installs the async handler as the slog default. An empty basePath logs to stdout only.
func Init(basePath string, debugMode bool) *ShutdownCallback {
	level := slog.LevelInfo
	if debugMode {
		level = slog.LevelDebug
	}
	handler := NewAsyncHandler(basePath, level)
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized")
	return &ShutdownCallback{handler: handler}
}

func Debug(msg string, v ...interface{}) {
	slog.Debug(msg, v...)
}

func DebugF(msg string, v ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, v...))
}

func Info(msg string, v ...interface{}) {
	slog.Info(msg, v...)
}

func InfoF(msg string, v ...interface{}) {
	slog.Info(fmt.Sprintf(msg, v...))
}

func Warn(msg string, v ...interface{}) {
	slog.Warn(msg, v...)
}

func WarnF(msg string, v ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, v...))
}

func Error(msg string, v ...interface{}) {
	slog.Error(msg, v...)
}

func ErrorF(msg string, v ...interface{}) {
	slog.Error(fmt.Sprintf(msg, v...))
}

func Fatal(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, msg, v...)
}

func FatalF(msg string, v ...interface{}) {
	slog.Log(context.Background(), LevelFatal, fmt.Sprintf(msg, v...))
}
