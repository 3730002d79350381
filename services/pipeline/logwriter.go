package pipeline

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// lineWriter forwards build output to the logger one line at a time.
type lineWriter struct {
	mu     sync.Mutex
	log    zerolog.Logger
	stream string
	buf    bytes.Buffer
}

func newLineWriter(log zerolog.Logger, stream string) *lineWriter {
	return &lineWriter{log: log, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line: keep it for the next write.
			w.buf.Reset()
			w.buf.Write(line)
			return len(p), nil
		}
		w.emit(line[:len(line)-1])
	}
}

// Flush logs any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	w.log.Info().Str("stream", w.stream).Msg(string(line))
}
