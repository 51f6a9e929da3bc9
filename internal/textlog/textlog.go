package textlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stream names one of the daily-rotated append files.
type Stream string

const (
	StreamRun     Stream = "run"
	StreamData    Stream = "data"
	StreamWarning Stream = "warning"
)

type streamFile struct {
	day  string
	file *os.File
}

// Writer maintains the three human-readable append logs under
// <root>/logs/<stream>/<stream>_YYYYMMDD.log, rotating by local date on
// first write past midnight.
type Writer struct {
	root   string
	logger *zap.Logger

	mu    sync.Mutex
	files map[Stream]*streamFile
}

func NewWriter(root string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		root:   root,
		logger: logger,
		files:  make(map[Stream]*streamFile),
	}
}

// Run appends one line to the run log.
func (w *Writer) Run(format string, args ...any) {
	w.write(StreamRun, fmt.Sprintf(format, args...))
}

// Data appends one line to the data log.
func (w *Writer) Data(format string, args ...any) {
	w.write(StreamData, fmt.Sprintf(format, args...))
}

// Warning appends one line to the warning log.
func (w *Writer) Warning(format string, args ...any) {
	w.write(StreamWarning, fmt.Sprintf(format, args...))
}

func (w *Writer) write(stream Stream, line string) {
	now := time.Now().Local()
	day := now.Format("20060102")

	w.mu.Lock()
	defer w.mu.Unlock()

	sf, err := w.ensureFile(stream, day)
	if err != nil {
		w.logger.Warn("text log open failed",
			zap.String("stream", string(stream)),
			zap.Error(err),
		)
		return
	}

	if _, err := fmt.Fprintf(sf.file, "%s %s\n", now.Format("2006-01-02 15:04:05"), line); err != nil {
		w.logger.Warn("text log write failed",
			zap.String("stream", string(stream)),
			zap.Error(err),
		)
	}
}

// ensureFile returns the open handle for the stream, rotating when the local
// date moved past the handle's day. Caller holds the mutex.
func (w *Writer) ensureFile(stream Stream, day string) (*streamFile, error) {
	sf, ok := w.files[stream]
	if ok && sf.day == day && sf.file != nil {
		return sf, nil
	}

	if ok && sf.file != nil {
		sf.file.Close()
	}

	dir := filepath.Join(w.root, "logs", string(stream))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", stream, day))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}

	sf = &streamFile{day: day, file: file}
	w.files[stream] = sf
	return sf, nil
}

// Close releases every open log handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for stream, sf := range w.files {
		if sf.file != nil {
			if err := sf.file.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close %s log: %w", stream, err)
			}
		}
		delete(w.files, stream)
	}
	return firstErr
}
