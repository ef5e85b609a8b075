package testutils

import (
	"bytes"
	"strings"
	"sync"
)

// LogBuffer collects log output written from several goroutines.
type LogBuffer struct {
	lock   sync.Mutex
	buffer bytes.Buffer
}

func (lb *LogBuffer) Write(p []byte) (n int, err error) {
	lb.lock.Lock()
	defer lb.lock.Unlock()
	return lb.buffer.Write(p)
}

// Bytes returns a copy of everything written so far.
func (lb *LogBuffer) Bytes() []byte {
	lb.lock.Lock()
	defer lb.lock.Unlock()
	return bytes.Clone(lb.buffer.Bytes())
}

func (lb *LogBuffer) Len() int {
	lb.lock.Lock()
	defer lb.lock.Unlock()
	return lb.buffer.Len()
}

// Lines splits the output into non empty lines, one per log entry.
func (lb *LogBuffer) Lines() []string {
	lines := make([]string, 0)
	for _, l := range strings.Split(string(lb.Bytes()), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// Count returns how many lines mention s.
func (lb *LogBuffer) Count(s string) int {
	n := 0
	for _, l := range lb.Lines() {
		if strings.Contains(l, s) {
			n++
		}
	}
	return n
}
