package runner

import (
	"bytes"
	"strings"
)

// lineWriter splits a byte stream into lines and hands each one to emit.
// Unlike bufio.Scanner it has no maximum line length, which matters for
// tools that print very wide single-line diffs.
type lineWriter struct {
	buf  bytes.Buffer
	emit func(string)
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		w.emitLine(string(data[:i]))
		w.buf.Next(i + 1)
	}
	return len(p), nil
}

// Flush emits a trailing partial line, if any. Call after the stream ends.
func (w *lineWriter) Flush() {
	if w.buf.Len() > 0 {
		w.emitLine(w.buf.String())
		w.buf.Reset()
	}
}

func (w *lineWriter) emitLine(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	w.emit(line)
}
