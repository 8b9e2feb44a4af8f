package runner

import (
	"strings"
	"testing"
)

func collectLines() (*lineWriter, *[]string) {
	var lines []string
	lw := newLineWriter(func(line string) { lines = append(lines, line) })
	return lw, &lines
}

func TestLineWriterSplitsAcrossChunks(t *testing.T) {
	lw, lines := collectLines()
	lw.Write([]byte("hel"))
	lw.Write([]byte("lo\nwor"))
	lw.Write([]byte("ld\n"))
	lw.Flush()

	want := []string{"hello", "world"}
	if len(*lines) != 2 || (*lines)[0] != want[0] || (*lines)[1] != want[1] {
		t.Errorf("lines = %v, want %v", *lines, want)
	}
}

func TestLineWriterFlushEmitsPartialLine(t *testing.T) {
	lw, lines := collectLines()
	lw.Write([]byte("no trailing newline"))
	if len(*lines) != 0 {
		t.Fatalf("partial line emitted early: %v", *lines)
	}
	lw.Flush()
	if len(*lines) != 1 || (*lines)[0] != "no trailing newline" {
		t.Errorf("lines = %v", *lines)
	}
}

func TestLineWriterTrimsCRAndSkipsBlank(t *testing.T) {
	lw, lines := collectLines()
	lw.Write([]byte("one\r\n\n   \ntwo\n"))
	lw.Flush()

	want := []string{"one", "two"}
	if len(*lines) != 2 || (*lines)[0] != want[0] || (*lines)[1] != want[1] {
		t.Errorf("lines = %v, want %v", *lines, want)
	}
}

func TestLineWriterHandlesVeryLongLines(t *testing.T) {
	lw, lines := collectLines()
	long := strings.Repeat("x", 256*1024)
	lw.Write([]byte(long))
	lw.Write([]byte("\n"))
	lw.Flush()

	if len(*lines) != 1 || len((*lines)[0]) != len(long) {
		t.Errorf("long line mangled, got %d lines", len(*lines))
	}
}
