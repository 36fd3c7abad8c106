package logging

import (
	"bytes"
	"strings"
	"sync"
)

// LineWriter turns a byte stream (a subprocess's stderr) into one log entry
// per line and remembers the last lines for error reporting.
type LineWriter struct {
	logger  *Logger
	source  string
	maxTail int

	mu   sync.Mutex
	buf  []byte
	tail []string
}

// NewLineWriter creates a LineWriter that tags every entry with source and
// keeps up to maxTail lines.
func NewLineWriter(logger *Logger, source string, maxTail int) *LineWriter {
	return &LineWriter{
		logger:  logger,
		source:  source,
		maxTail: maxTail,
	}
}

// Write implements io.Writer. Partial lines are buffered until the next
// newline or Flush.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}

	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

// Tail returns the retained last lines joined by newlines.
func (w *LineWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return strings.Join(w.tail, "\n")
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	w.logger.logger.Info().Str("source", w.source).Msg(line)

	if w.maxTail <= 0 {
		return
	}
	w.tail = append(w.tail, line)
	if len(w.tail) > w.maxTail {
		w.tail = w.tail[len(w.tail)-w.maxTail:]
	}
}
