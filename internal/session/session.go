// Package session tracks the lifetime and traffic of device connections.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState represents the current state of a device session.
type SessionState int

const (
	SessionStateConnected SessionState = iota
	SessionStateIdentified
	SessionStateDisconnected
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case SessionStateConnected:
		return "connected"
	case SessionStateIdentified:
		return "identified"
	case SessionStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session represents one open period of the device handle.
type Session struct {
	ID             string
	DevicePath     string
	SerialNumber   string
	State          SessionState
	ConnectedAt    time.Time
	DisconnectedAt time.Time
	LastActivity   time.Time
	LastCommand    string
	BytesReceived  int64
	BytesSent      int64
	FramesReceived int64
	FramesSent     int64
	ErrorCount     int64
	mutex          sync.RWMutex
}

// NewSession creates a session for a freshly opened device.
func NewSession(devicePath string) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		DevicePath:   devicePath,
		State:        SessionStateConnected,
		ConnectedAt:  now,
		LastActivity: now,
	}
}

// SetState safely updates the session state.
func (s *Session) SetState(state SessionState) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.State = state
	if state == SessionStateDisconnected && s.DisconnectedAt.IsZero() {
		s.DisconnectedAt = time.Now()
	}
}

// GetState safely retrieves the session state.
func (s *Session) GetState() SessionState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.State
}

// SetSerialNumber records the device identity and marks the session identified.
func (s *Session) SetSerialNumber(serial string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.SerialNumber = serial
	if s.State == SessionStateConnected {
		s.State = SessionStateIdentified
	}
}

// AddFrameSent records an outgoing frame.
func (s *Session) AddFrameSent(command string, bytes int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.BytesSent += int64(bytes)
	s.FramesSent++
	s.LastCommand = command
	s.LastActivity = time.Now()
}

// AddFrameReceived records an incoming frame.
func (s *Session) AddFrameReceived(bytes int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.BytesReceived += int64(bytes)
	s.FramesReceived++
	s.LastActivity = time.Now()
}

// IncrementErrorCount safely increments the error counter.
func (s *Session) IncrementErrorCount() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ErrorCount++
}

// GetStats returns a copy of the session statistics.
func (s *Session) GetStats() SessionStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	end := time.Now()
	if !s.DisconnectedAt.IsZero() {
		end = s.DisconnectedAt
	}

	return SessionStats{
		ID:             s.ID,
		DevicePath:     s.DevicePath,
		SerialNumber:   s.SerialNumber,
		State:          s.State,
		ConnectedAt:    s.ConnectedAt,
		LastActivity:   s.LastActivity,
		LastCommand:    s.LastCommand,
		BytesReceived:  s.BytesReceived,
		BytesSent:      s.BytesSent,
		FramesReceived: s.FramesReceived,
		FramesSent:     s.FramesSent,
		ErrorCount:     s.ErrorCount,
		Duration:       end.Sub(s.ConnectedAt),
	}
}

// IsIdle checks whether the device has been silent longer than timeout.
func (s *Session) IsIdle(timeout time.Duration) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return time.Since(s.LastActivity) > timeout
}

// SessionStats represents session statistics for external consumption.
type SessionStats struct {
	ID             string        `json:"id"`
	DevicePath     string        `json:"device_path"`
	SerialNumber   string        `json:"serial_number,omitempty"`
	State          SessionState  `json:"state"`
	ConnectedAt    time.Time     `json:"connected_at"`
	LastActivity   time.Time     `json:"last_activity"`
	LastCommand    string        `json:"last_command,omitempty"`
	BytesReceived  int64         `json:"bytes_received"`
	BytesSent      int64         `json:"bytes_sent"`
	FramesReceived int64         `json:"frames_received"`
	FramesSent     int64         `json:"frames_sent"`
	ErrorCount     int64         `json:"error_count"`
	Duration       time.Duration `json:"duration"`
	Reconnects     int64         `json:"reconnects"`
}

// Tracker keeps the current session of a device and counts reconnects
// across sessions.
type Tracker struct {
	current    *Session
	reconnects int64
	mutex      sync.RWMutex
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Start opens a new session, closing the previous one.
func (t *Tracker) Start(devicePath string) *Session {
	session := NewSession(devicePath)

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.current != nil {
		t.current.SetState(SessionStateDisconnected)
	}
	t.current = session
	return session
}

// End marks the current session disconnected.
func (t *Tracker) End() {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.current != nil {
		t.current.SetState(SessionStateDisconnected)
	}
}

// RecordReconnect counts a reconnect attempt.
func (t *Tracker) RecordReconnect() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.reconnects++
}

// Current returns the current session, if any.
func (t *Tracker) Current() (*Session, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.current, t.current != nil
}

// Stats returns the current session statistics. ok is false before the
// first connect.
func (t *Tracker) Stats() (SessionStats, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.current == nil {
		return SessionStats{Reconnects: t.reconnects}, false
	}
	stats := t.current.GetStats()
	stats.Reconnects = t.reconnects
	return stats, true
}
