package client

import "time"

// Failure reasons reported to observers.
const (
	ReasonNotConnected   = "not_connected"
	ReasonEncode         = "encode"
	ReasonWrite          = "write"
	ReasonRead           = "read"
	ReasonTruncated      = "truncated"
	ReasonUnknownCommand = "unknown_command"
)

// Observer is notified about device transactions.
type Observer interface {
	QueryCompleted(command string, duration time.Duration, items int)
	QueryFailed(command, reason string)
	FieldDecodeFailed(command, field string)
	ChecksumMismatch(command string)
	Reconnected(success bool)
}

// NoopObserver ignores all notifications.
type NoopObserver struct{}

func (NoopObserver) QueryCompleted(string, time.Duration, int) {}
func (NoopObserver) QueryFailed(string, string)                {}
func (NoopObserver) FieldDecodeFailed(string, string)          {}
func (NoopObserver) ChecksumMismatch(string)                   {}
func (NoopObserver) Reconnected(bool)                          {}
