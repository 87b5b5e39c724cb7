package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession(t *testing.T) {
	session := NewSession("/dev/hidraw0")

	_, err := uuid.Parse(session.ID)
	require.NoError(t, err)
	assert.Equal(t, "/dev/hidraw0", session.DevicePath)
	assert.Equal(t, SessionStateConnected, session.GetState())
	assert.WithinDuration(t, time.Now(), session.ConnectedAt, time.Second)
	assert.NotEqual(t, session.ID, NewSession("/dev/hidraw0").ID)
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "connected", SessionStateConnected.String())
	assert.Equal(t, "identified", SessionStateIdentified.String())
	assert.Equal(t, "disconnected", SessionStateDisconnected.String())
	assert.Equal(t, "unknown", SessionState(99).String())
}

func TestSessionTraffic(t *testing.T) {
	session := NewSession("/dev/hidraw0")

	session.AddFrameSent("QPIGS", 8)
	session.AddFrameReceived(110)
	session.AddFrameSent("QMOD", 7)
	session.AddFrameReceived(5)
	session.IncrementErrorCount()

	stats := session.GetStats()
	assert.Equal(t, int64(15), stats.BytesSent)
	assert.Equal(t, int64(115), stats.BytesReceived)
	assert.Equal(t, int64(2), stats.FramesSent)
	assert.Equal(t, int64(2), stats.FramesReceived)
	assert.Equal(t, int64(1), stats.ErrorCount)
	assert.Equal(t, "QMOD", stats.LastCommand)
	assert.False(t, session.IsIdle(time.Minute))
}

func TestSessionIdentified(t *testing.T) {
	session := NewSession("/dev/hidraw0")
	session.SetSerialNumber("92932004102443")

	assert.Equal(t, SessionStateIdentified, session.GetState())
	assert.Equal(t, "92932004102443", session.GetStats().SerialNumber)
}

func TestSessionDurationStopsAtDisconnect(t *testing.T) {
	session := NewSession("/dev/hidraw0")
	session.SetState(SessionStateDisconnected)

	first := session.GetStats().Duration
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, first, session.GetStats().Duration)
}

func TestSessionStatsJSON(t *testing.T) {
	session := NewSession("/dev/hidraw0")

	data, err := json.Marshal(session.GetStats())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"connected"`)
	assert.Contains(t, string(data), `"device_path":"/dev/hidraw0"`)
}

func TestTracker(t *testing.T) {
	tracker := NewTracker()

	_, ok := tracker.Stats()
	assert.False(t, ok)

	first := tracker.Start("/dev/hidraw0")
	tracker.RecordReconnect()
	second := tracker.Start("/dev/hidraw0")

	assert.Equal(t, SessionStateDisconnected, first.GetState())
	assert.Equal(t, SessionStateConnected, second.GetState())

	current, ok := tracker.Current()
	require.True(t, ok)
	assert.Equal(t, second.ID, current.ID)

	stats, ok := tracker.Stats()
	require.True(t, ok)
	assert.Equal(t, second.ID, stats.ID)
	assert.Equal(t, int64(1), stats.Reconnects)

	tracker.End()
	assert.Equal(t, SessionStateDisconnected, second.GetState())
}

func TestTrackerConcurrentAccess(t *testing.T) {
	tracker := NewTracker()
	tracker.Start("/dev/hidraw0")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if session, ok := tracker.Current(); ok {
					session.AddFrameSent("QPIGS", 8)
				}
				tracker.Stats()
			}
		}()
	}
	wg.Wait()

	stats, ok := tracker.Stats()
	require.True(t, ok)
	assert.Equal(t, int64(40), stats.FramesSent)
}
