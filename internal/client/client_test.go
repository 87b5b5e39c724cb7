package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-xpertking/internal/domain"
	"github.com/resident-x/go-xpertking/internal/protocol"
	"github.com/resident-x/go-xpertking/internal/schema"
	"github.com/resident-x/go-xpertking/internal/simulator"
	"github.com/resident-x/go-xpertking/internal/transport"
)

type recordingObserver struct {
	mu         sync.Mutex
	completed  []string
	failed     map[string]string
	fieldFails []string
	mismatches []string
	reconnects []bool
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{failed: make(map[string]string)}
}

func (r *recordingObserver) QueryCompleted(command string, _ time.Duration, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, command)
}

func (r *recordingObserver) QueryFailed(command, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[command] = reason
}

func (r *recordingObserver) FieldDecodeFailed(command, field string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fieldFails = append(r.fieldFails, command+"."+field)
}

func (r *recordingObserver) ChecksumMismatch(command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mismatches = append(r.mismatches, command)
}

func (r *recordingObserver) Reconnected(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnects = append(r.reconnects, success)
}

func fixedCodec() *protocol.Codec {
	codec := protocol.NewCodec()
	codec.SetClock(func() time.Time {
		return time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)
	})
	return codec
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *simulator.Device, *recordingObserver) {
	t.Helper()

	s, err := schema.LoadDefault()
	require.NoError(t, err)

	device := simulator.New()
	channel := transport.New("/dev/hidraw0", transport.WithOpener(device.Opener()))
	observer := newRecordingObserver()

	opts = append([]Option{WithObserver(observer), WithCodec(fixedCodec())}, opts...)
	return New(channel, s, opts...), device, observer
}

func connected(t *testing.T, opts ...Option) (*Client, *simulator.Device, *recordingObserver) {
	t.Helper()
	c, device, observer := newTestClient(t, opts...)
	require.NoError(t, c.Connect())
	return c, device, observer
}

func TestQueryDecodesReply(t *testing.T) {
	c, device, observer := connected(t)

	items := c.Query("QMOD", "")
	require.Len(t, items, 1)
	assert.Equal(t, domain.TelemetryItem{
		Param:   "mode",
		Value:   "Line",
		Command: "QMOD",
		Sensor:  "enum",
		Text:    "Mode",
	}, items[0])

	assert.Equal(t, []string{"QMOD"}, device.Requests())
	assert.Equal(t, []string{"QMOD"}, observer.completed)
	assert.Empty(t, observer.mismatches)
}

func TestQueryNotConnectedReconnects(t *testing.T) {
	c, device, observer := newTestClient(t)

	assert.Empty(t, c.Query("QMOD", ""))
	assert.Empty(t, device.Requests(), "nothing is sent while disconnected")
	assert.Equal(t, ReasonNotConnected, observer.failed["QMOD"])
	assert.Equal(t, []bool{true}, observer.reconnects)
	assert.True(t, c.State().Connected)

	assert.Equal(t, "Line", c.Mode())
}

func TestQueryWriteFailureReconnects(t *testing.T) {
	c, device, observer := connected(t)

	device.FailWrites(errors.New("device gone"))
	assert.Empty(t, c.Query("QPIGS", ""))
	assert.Equal(t, ReasonWrite, observer.failed["QPIGS"])
	assert.Equal(t, 2, device.Opens())

	device.FailWrites(nil)
	assert.NotEmpty(t, c.Query("QPIGS", ""))

	stats, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Reconnects)
	assert.Equal(t, int64(1), stats.FramesReceived)
}

func TestQueryReadFailureReconnects(t *testing.T) {
	c, device, observer := connected(t)

	device.SetSilent(true)
	assert.Empty(t, c.Query("QMOD", ""))
	assert.Equal(t, ReasonRead, observer.failed["QMOD"])
	assert.Equal(t, 2, device.Opens())

	device.SetSilent(false)
	assert.Equal(t, "Line", c.Mode())
}

func TestQueryTruncatedReply(t *testing.T) {
	c, device, observer := connected(t, WithReadLimit(16))

	assert.Empty(t, c.Query("QPIGS", ""))
	assert.Equal(t, ReasonTruncated, observer.failed["QPIGS"])
	assert.Equal(t, 2, device.Opens())
}

func TestConnectInvalidDevice(t *testing.T) {
	s, err := schema.LoadDefault()
	require.NoError(t, err)
	c := New(transport.New("/dev/ttyUSB0"), s)

	err = c.Connect()
	var invalid *transport.InvalidDeviceError
	require.True(t, errors.As(err, &invalid))
	assert.False(t, c.State().Connected)
	assert.NotEmpty(t, c.State().LastError)

	assert.Empty(t, c.Query("QMOD", ""))
	assert.Equal(t, "", c.Mode())
	assert.False(t, c.BootstrapIdentity())
}

func TestQueryUnknownCommand(t *testing.T) {
	c, device, observer := connected(t)

	assert.Empty(t, c.Query("QBOGUS", ""))
	assert.Empty(t, device.Requests())
	assert.Equal(t, ReasonUnknownCommand, observer.failed["QBOGUS"])

	assert.Equal(t, []string{simulator.NAK}, c.QueryRaw("QBOGUS", ""))
}

func TestQueryDailyEnergyUsesDate(t *testing.T) {
	c, device, _ := connected(t)

	items := c.Query("QLD", "")
	require.Len(t, items, 1)
	assert.Equal(t, int64(3210), items[0].Value)
	assert.Equal(t, []string{"QLD20240307"}, device.Requests())
}

func TestBootstrapIdentity(t *testing.T) {
	c, device, _ := connected(t)

	require.True(t, c.BootstrapIdentity())

	state := c.State()
	assert.True(t, state.Connected)
	assert.Equal(t, "044", state.Manufacturer)
	assert.Equal(t, "VMII-5600", state.Model)
	assert.Equal(t, "00072.70 / 00041.17", state.FirmwareVersion)
	assert.Equal(t, "92932004102443", state.SerialNumber)
	assert.Equal(t, []string{"QGMN", "QMN", "QVFW", "QVFW3", "QID"}, device.Requests())

	stats, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, "identified", stats.State.String())
}

func TestBootstrapIdentityFailureKeepsConnection(t *testing.T) {
	c, device, _ := connected(t)

	device.FailWrites(errors.New("device gone"))
	assert.False(t, c.BootstrapIdentity())
	assert.True(t, c.State().Connected)
	assert.Empty(t, c.State().Manufacturer)
}

func TestBootstrapIdentityWithoutManufacturer(t *testing.T) {
	c, device, _ := connected(t)

	device.Ignore("QGMN")
	require.True(t, c.BootstrapIdentity())

	state := c.State()
	assert.True(t, state.Connected)
	assert.Empty(t, state.Manufacturer)
	assert.Equal(t, "VMII-5600", state.Model)
	assert.Equal(t, "00072.70 / 00041.17", state.FirmwareVersion)
	assert.Equal(t, "92932004102443", state.SerialNumber)
}

func TestBootstrapIdentityMissingFirmwareKeepsIdentity(t *testing.T) {
	c, device, _ := connected(t)

	device.Ignore("QVFW3")
	assert.False(t, c.BootstrapIdentity())

	state := c.State()
	assert.True(t, state.Connected)
	assert.Equal(t, "044", state.Manufacturer)
	assert.Equal(t, "VMII-5600", state.Model)
	assert.Empty(t, state.FirmwareVersion)
	assert.NotContains(t, device.Requests(), "QID")
}

func TestFirmwareAccessors(t *testing.T) {
	c, _, _ := connected(t)

	assert.Equal(t, "00072.70", c.CPUFirmwareVersion())
	assert.Equal(t, "00041.17", c.PanelFirmwareVersion())
	assert.Equal(t, "00000.00", c.SecondaryFirmwareVersion())
}

func TestAccessors(t *testing.T) {
	c, _, _ := connected(t)

	assert.Equal(t, "92932004102443", c.SerialNumber())
	assert.Equal(t, "044", c.Manufacturer())
	assert.Equal(t, "VMII-5600", c.Model())
	assert.Equal(t, "Line", c.Mode())
	assert.Equal(t, "EbkuvxzDajy", c.FlagStatus())
	assert.Equal(t, "Off", c.WarningStatus())
	assert.Equal(t, "20240307121530", c.CurrentTime())

	energy, ok := c.EnergyTotal()
	require.True(t, ok)
	assert.Equal(t, "kWh", energy.Unit)
	value, isFloat := energy.Value.(float64)
	require.True(t, isFloat)
	assert.InDelta(t, 987.654, value, 1e-9)

	state := c.CurrentState()
	require.NotEmpty(t, state)
	assert.Equal(t, "grid_voltage", state[0].Param)
	assert.Equal(t, 230.0, state[0].Value)

	config := c.CurrentConfig()
	require.NotEmpty(t, config)
	assert.Equal(t, "grid_rating_voltage", config[0].Param)
}

func TestQueryGroup(t *testing.T) {
	c, device, _ := connected(t)

	items := c.QueryGroup(schema.GroupData)
	require.NotEmpty(t, items)
	assert.Equal(t, []string{"QPIGS", "QMOD", "QPIWS", "QFLAG", "QET", "QLT"}, device.Requests())
	assert.Equal(t, "QPIGS", items[0].Command)
	assert.Equal(t, "QLT", items[len(items)-1].Command)
}

func TestQueryFieldFailuresReported(t *testing.T) {
	c, device, observer := connected(t)

	device.SetReply("QPIGS2", "bad 310.4 00372")
	items := c.Query("QPIGS2", "")
	assert.Len(t, items, 2)
	assert.Equal(t, []string{"QPIGS2.pv2_input_current"}, observer.fieldFails)
}

func TestQueryAsync(t *testing.T) {
	c, _, _ := connected(t)

	result := c.QueryAsync(context.Background(), "QMOD", "")
	items, ok := <-result
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Equal(t, "Line", items[0].Value)

	_, ok = <-result
	assert.False(t, ok, "channel closed after one result")

	group := <-c.QueryGroupAsync(context.Background(), schema.GroupConfig)
	assert.NotEmpty(t, group)
}

func TestQueryAsyncCancelled(t *testing.T) {
	c, device, _ := connected(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Empty(t, <-c.QueryAsync(ctx, "QMOD", ""))
	assert.Empty(t, device.Requests())
}

func TestConcurrentQueries(t *testing.T) {
	c, device, _ := connected(t)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = c.Mode()
		}(i)
	}
	wg.Wait()

	for _, mode := range results {
		assert.Equal(t, "Line", mode)
	}
	assert.Len(t, device.Requests(), 8)
}

func TestDisconnect(t *testing.T) {
	c, _, _ := connected(t)

	c.Disconnect()
	assert.False(t, c.State().Connected)

	stats, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, "disconnected", stats.State.String())

	c.Disconnect()
	require.NoError(t, c.Reconnect())
	assert.True(t, c.State().Connected)
}

// stubChannel replays one fixed reply for every exchange.
type stubChannel struct {
	reply []byte
	open  bool
}

func (s *stubChannel) Open() error                             { s.open = true; return nil }
func (s *stubChannel) Close() error                            { s.open = false; return nil }
func (s *stubChannel) Reconnect() error                        { s.open = true; return nil }
func (s *stubChannel) WriteFrame([]byte) error                 { return nil }
func (s *stubChannel) IsOpen() bool                            { return s.open }
func (s *stubChannel) Path() string                            { return "/dev/hidraw9" }
func (s *stubChannel) ReadUntilTerminator(int) ([]byte, error) { return s.reply, nil }

func TestChecksumMismatchIsObservedNotEnforced(t *testing.T) {
	s, err := schema.LoadDefault()
	require.NoError(t, err)
	observer := newRecordingObserver()

	c := New(&stubChannel{reply: []byte("(B\xAA\xBB\r")}, s, WithObserver(observer))
	require.NoError(t, c.Connect())

	assert.Equal(t, "Battery", c.Mode())
	assert.Equal(t, []string{"QMOD"}, observer.mismatches)
}
