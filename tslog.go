package mdmbridge

import (
	"fmt"
	"sync"
)

const (
	// DebugLogEntries is the number of lines a TimestampLog keeps.
	DebugLogEntries = 32
	// DebugLogLineLen is the maximum length of one line.
	DebugLogLineLen = 128
)

// TimestampLog is a fixed ring of formatted debug lines. When full, the
// oldest line is overwritten.
type TimestampLog struct {
	mu    sync.RWMutex
	lines [DebugLogEntries]string
	next  int
	count int
}

// NewTimestampLog creates an empty log.
func NewTimestampLog() *TimestampLog {
	return &TimestampLog{}
}

// Add formats a line and appends it, truncating at DebugLogLineLen.
func (l *TimestampLog) Add(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if len(line) > DebugLogLineLen {
		line = line[:DebugLogLineLen]
	}
	l.mu.Lock()
	l.lines[l.next] = line
	l.next = (l.next + 1) % DebugLogEntries
	if l.count < DebugLogEntries {
		l.count++
	}
	l.mu.Unlock()
}

// Entries returns the stored lines, oldest first.
func (l *TimestampLog) Entries() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, l.count)
	start := (l.next - l.count + DebugLogEntries) % DebugLogEntries
	for i := 0; i < l.count; i++ {
		out = append(out, l.lines[(start+i)%DebugLogEntries])
	}
	return out
}

// Len returns the number of stored lines.
func (l *TimestampLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
