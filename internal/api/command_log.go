package api

import (
	"sync"
	"time"
)

const defaultHistorySize = 100

// CommandRecord is one command issued through the API.
type CommandRecord struct {
	Command     string        `json:"command"`
	Param       string        `json:"param,omitempty"`
	Raw         bool          `json:"raw"`
	RequestedAt time.Time     `json:"requested_at"`
	Duration    time.Duration `json:"duration_ns"`
	Results     int           `json:"results"`
}

// Succeeded reports whether the inverter answered with anything.
func (r CommandRecord) Succeeded() bool {
	return r.Results > 0
}

// CommandLog keeps the most recent command records in a fixed ring.
type CommandLog struct {
	records []CommandRecord
	next    int
	full    bool
	mutex   sync.RWMutex
}

// NewCommandLog creates a log holding up to size records.
func NewCommandLog(size int) *CommandLog {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &CommandLog{records: make([]CommandRecord, size)}
}

// Add stores a record, evicting the oldest once full.
func (l *CommandLog) Add(record CommandRecord) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.records[l.next] = record
	l.next = (l.next + 1) % len(l.records)
	if l.next == 0 {
		l.full = true
	}
}

// Len returns the number of stored records.
func (l *CommandLog) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if l.full {
		return len(l.records)
	}
	return l.next
}

// Recent returns up to limit records, newest first. A zero limit returns all.
func (l *CommandLog) Recent(limit int) []CommandRecord {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	count := l.next
	if l.full {
		count = len(l.records)
	}
	if limit > 0 && limit < count {
		count = limit
	}

	result := make([]CommandRecord, 0, count)
	for i := 1; i <= count; i++ {
		idx := (l.next - i + len(l.records)) % len(l.records)
		result = append(result, l.records[idx])
	}
	return result
}
