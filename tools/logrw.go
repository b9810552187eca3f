package tools

import (
	"bufio"
	"context"
	"io"
	"log/slog"
)

// LogReadWriter is a wrapper around an io.ReadWriter that traces all reads and writes to a slog.Logger at debug level.
type LogReadWriter struct {
	ReadWriter io.ReadWriter
	logger     *slog.Logger
}

func (rw *LogReadWriter) enabled() bool {
	return rw.logger != nil && rw.logger.Enabled(context.Background(), slog.LevelDebug)
}

func (rw *LogReadWriter) Read(b []byte) (int, error) {
	n, err := rw.ReadWriter.Read(b)
	if n > 0 && rw.enabled() { // Log only if n > 0 to avoid logging empty reads
		rw.logger.Debug("received", "bytes", n, "data", Redact(string(b[:n])))
	}
	return n, err
}

func (rw *LogReadWriter) Write(b []byte) (int, error) {
	if rw.enabled() {
		rw.logger.Debug("sent", "bytes", len(b), "data", string(b))
	}
	return rw.ReadWriter.Write(b)
}

// NewLogReadWriter creates a new LogReadWriter.
func NewLogReadWriter(rw io.ReadWriter, logger *slog.Logger) *LogReadWriter {
	return &LogReadWriter{ReadWriter: rw, logger: logger}
}

type BufLogReadWriter struct {
	io.Writer
	*bufio.Reader
}

// NewBufLogReadWriter wraps rw in a LogReadWriter and buffers the read side for line reads.
// Writes are not buffered so every reply reaches the peer immediately.
func NewBufLogReadWriter(rw io.ReadWriter, logger *slog.Logger) *BufLogReadWriter {
	rw = NewLogReadWriter(rw, logger)

	return &BufLogReadWriter{
		Reader: bufio.NewReader(rw),
		Writer: rw,
	}
}
