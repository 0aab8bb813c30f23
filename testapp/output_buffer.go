package testapp

import (
	"bytes"
	"strings"
	"sync"
)

const defaultMaxOutputLines = 1000 // residual lines kept in memory per stream

// outputBuffer keeps only the last N lines written to it so residual
// application output can be attached to TestProcessExited without retaining
// the entire stream in memory.
type outputBuffer struct {
	maxLines int

	mu      sync.Mutex
	total   int
	lines   []string
	partial []byte
}

func newOutputBuffer(maxLines int) *outputBuffer {
	if maxLines <= 0 {
		maxLines = defaultMaxOutputLines
	}
	return &outputBuffer{maxLines: maxLines}
}

// Write splits p into lines; an unterminated trailing line is held until
// more data arrives or Lines is called.
func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := append(b.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		b.add(string(data[:idx]))
		data = data[idx+1:]
	}
	b.partial = append([]byte(nil), data...)
	return len(p), nil
}

// AddLine appends a complete line
func (b *outputBuffer) AddLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(line)
}

func (b *outputBuffer) add(line string) {
	b.total++
	b.lines = append(b.lines, strings.TrimRight(line, "\r"))
	// Trim front to keep the most recent lines
	if len(b.lines) > b.maxLines {
		b.lines = b.lines[len(b.lines)-b.maxLines:]
	}
}

// Lines flushes any partial line and returns a copy of the retained lines
func (b *outputBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.partial) > 0 {
		b.add(string(b.partial))
		b.partial = nil
	}
	if len(b.lines) == 0 {
		return nil
	}
	cp := make([]string, len(b.lines))
	copy(cp, b.lines)
	return cp
}

// TotalLines returns the number of lines seen, including dropped ones
func (b *outputBuffer) TotalLines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *outputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total > len(b.lines)
}
