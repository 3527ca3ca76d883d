package logger

import (
	"strings"
	"sync"
)

// Entry is one message captured by a MemoryLogger.
type Entry struct {
	Level   string
	Message string
}

// MemoryLogger keeps every message in memory. It backs the diagnostics
// assertions in tests and the demo command's summary.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryLogger creates an empty MemoryLogger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (m *MemoryLogger) add(level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{Level: level, Message: message})
}

func (m *MemoryLogger) LogTrace(message string) { m.add("trace", message) }
func (m *MemoryLogger) LogDebug(message string) { m.add("debug", message) }
func (m *MemoryLogger) LogInfo(message string)  { m.add("info", message) }
func (m *MemoryLogger) LogWarn(message string)  { m.add("warn", message) }
func (m *MemoryLogger) LogError(message string) { m.add("error", message) }

// Entries returns a copy of the captured messages.
func (m *MemoryLogger) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Count returns how many captured messages at level contain substr.
// An empty level matches every level.
func (m *MemoryLogger) Count(level, substr string) int {
	n := 0
	for _, e := range m.Entries() {
		if level != "" && e.Level != level {
			continue
		}
		if strings.Contains(e.Message, substr) {
			n++
		}
	}
	return n
}
