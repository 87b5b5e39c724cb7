package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-xpertking/internal/client"
	"github.com/resident-x/go-xpertking/internal/config"
	"github.com/resident-x/go-xpertking/internal/domain"
	"github.com/resident-x/go-xpertking/internal/monitor"
	"github.com/resident-x/go-xpertking/internal/schema"
	"github.com/resident-x/go-xpertking/internal/simulator"
	"github.com/resident-x/go-xpertking/internal/transport"
)

type staticMetrics map[string]interface{}

func (m staticMetrics) GetMetrics() map[string]interface{} { return m }

func newTestServer(t *testing.T, opener transport.Opener) (*Server, *client.Client, *domain.TelemetryStore) {
	t.Helper()

	s, err := schema.LoadDefault()
	require.NoError(t, err)

	c := client.New(transport.New("/dev/hidraw0", transport.WithOpener(opener)), s)
	store := domain.NewTelemetryStore()

	cfg := config.DefaultConfig()
	return NewServer(cfg, c, store), c, store
}

func connectedServer(t *testing.T) (*Server, *client.Client, *domain.TelemetryStore, *simulator.Device) {
	t.Helper()
	device := simulator.New()
	server, c, store := newTestServer(t, device.Opener())
	require.NoError(t, c.Connect())
	return server, c, store, device
}

func do(t *testing.T, server *Server, method, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, http.NoBody)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var body map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestNewServer(t *testing.T) {
	server, _, store, _ := connectedServer(t)

	assert.NotNil(t, server.router)
	assert.NotNil(t, server.Hub())
	assert.Equal(t, store, server.store)
	assert.NotZero(t, server.startTime)
}

func TestHandleStatus(t *testing.T) {
	server, _, _, _ := connectedServer(t)
	server.SetPollerMetrics(staticMetrics{"polls_completed": 3})

	w, body := do(t, server, http.MethodGet, "/api/v1/status")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.NotEmpty(t, body["uptime"])
	assert.Equal(t, float64(0), body["streamClients"])

	device := body["device"].(map[string]interface{})
	assert.Equal(t, true, device["connected"])
	assert.Equal(t, "/dev/hidraw0", device["device_path"])

	assert.Contains(t, body, "session")
	poller := body["poller"].(map[string]interface{})
	assert.Equal(t, float64(3), poller["polls_completed"])
}

func TestHandleStatus_Disconnected(t *testing.T) {
	server, _, _ := newTestServer(t, func(string) (transport.Handle, error) {
		return nil, errors.New("no such device")
	})

	w, body := do(t, server, http.MethodGet, "/api/v1/status")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.NotContains(t, body, "poller")
}

func TestHandleGetTelemetry_Cached(t *testing.T) {
	server, _, store, device := connectedServer(t)

	w, body := do(t, server, http.MethodGet, "/api/v1/telemetry/data")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, body["error"])

	store.Put(&domain.Snapshot{
		Group:     "data",
		Items:     []domain.TelemetryItem{{Param: "grid_voltage", Value: 230.0, Unit: "V"}},
		Timestamp: time.Now(),
	})

	w, body = do(t, server, http.MethodGet, "/api/v1/telemetry/data")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data", body["group"])
	assert.Len(t, body["items"], 1)

	// Cached reads never touch the device.
	assert.Empty(t, device.Requests())
}

func TestHandleGetTelemetry_ValuesFormat(t *testing.T) {
	server, _, store, _ := connectedServer(t)
	store.Put(&domain.Snapshot{
		Group: "config",
		Items: []domain.TelemetryItem{{Param: "serial_number", Value: "92932004102443"}},
	})

	w, body := do(t, server, http.MethodGet, "/api/v1/telemetry/conf?format=values")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "config", body["group"])
	values := body["values"].(map[string]interface{})
	assert.Equal(t, "92932004102443", values["serial_number"])
}

func TestHandleGetTelemetry_Live(t *testing.T) {
	server, _, store, device := connectedServer(t)

	w, body := do(t, server, http.MethodGet, "/api/v1/telemetry/data?live=true")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "data", body["group"])
	assert.NotEmpty(t, body["items"])

	assert.Contains(t, device.Requests(), "QPIGS")
	assert.Contains(t, device.Requests(), "QMOD")

	snapshot, ok := store.Get("data")
	require.True(t, ok)
	item, ok := snapshot.Find("grid_voltage")
	require.True(t, ok)
	assert.Equal(t, 230.0, item.Value)
}

func TestHandleGetTelemetry_LiveNoReply(t *testing.T) {
	server, _, _, device := connectedServer(t)
	device.SetSilent(true)

	w, body := do(t, server, http.MethodGet, "/api/v1/telemetry/config?live=1")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, body["error"])
}

func TestHandleGetTelemetry_UnknownGroup(t *testing.T) {
	server, _, _, _ := connectedServer(t)

	w, body := do(t, server, http.MethodGet, "/api/v1/telemetry/weather")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "unknown command group")
}

func TestHandleListTelemetry(t *testing.T) {
	server, _, store, _ := connectedServer(t)
	store.Put(&domain.Snapshot{Group: "data", Items: []domain.TelemetryItem{{Param: "a", Value: int64(1)}}})
	store.Put(&domain.Snapshot{Group: "config", Items: []domain.TelemetryItem{{Param: "b", Value: "x"}}})

	w, body := do(t, server, http.MethodGet, "/api/v1/telemetry")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])
}

func TestHandleListCommands(t *testing.T) {
	server, _, _, _ := connectedServer(t)

	w, body := do(t, server, http.MethodGet, "/api/v1/commands")
	assert.Equal(t, http.StatusOK, w.Code)

	commands := body["commands"].(map[string]interface{})
	assert.Contains(t, commands, "QPIGS")
	assert.Contains(t, commands, "QMOD")

	qmod := commands["QMOD"].([]interface{})
	require.Len(t, qmod, 1)
	field := qmod[0].(map[string]interface{})
	assert.Equal(t, "assoc_value", field["type"])

	groups := body["groups"].(map[string]interface{})
	assert.Equal(t, []interface{}{"QPIGS", "QMOD", "QPIWS", "QFLAG", "QET", "QLT"}, groups["data"])
}

func TestHandleQueryCommand(t *testing.T) {
	server, _, _, device := connectedServer(t)

	w, body := do(t, server, http.MethodGet, "/api/v1/commands/qmod")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "QMOD", body["command"])
	assert.Equal(t, float64(1), body["count"])
	assert.Equal(t, []string{"QMOD"}, device.Requests())

	items := body["items"].([]interface{})
	item := items[0].(map[string]interface{})
	assert.Equal(t, "QMOD", item["command"])
}

func TestHandleQueryCommand_WithParam(t *testing.T) {
	server, _, _, device := connectedServer(t)

	w, _ := do(t, server, http.MethodGet, "/api/v1/commands/QLD?param=20240307")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"QLD20240307"}, device.Requests())
}

func TestHandleQueryCommand_Raw(t *testing.T) {
	server, _, _, _ := connectedServer(t)

	w, body := do(t, server, http.MethodGet, "/api/v1/commands/QVFW?raw=true")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{"00072.70"}, body["fields"])
}

func TestHandleQueryCommand_Unknown(t *testing.T) {
	server, _, _, device := connectedServer(t)

	w, body := do(t, server, http.MethodGet, "/api/v1/commands/QBOGUS")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, body["error"], "QBOGUS")
	assert.Empty(t, device.Requests())
}

func TestHandleQueryCommand_DeviceFailure(t *testing.T) {
	server, _, _, device := connectedServer(t)
	device.FailWrites(errors.New("broken pipe"))

	w, body := do(t, server, http.MethodGet, "/api/v1/commands/QPIGS")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotEmpty(t, body["error"])
}

func TestHandleCommandHistory(t *testing.T) {
	server, _, _, _ := connectedServer(t)

	do(t, server, http.MethodGet, "/api/v1/commands/QMOD")
	do(t, server, http.MethodGet, "/api/v1/commands/QID")
	do(t, server, http.MethodGet, "/api/v1/commands/QVFW?raw=true")

	w, body := do(t, server, http.MethodGet, "/api/v1/commands/history?limit=2")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(0), body["failed"])

	records := body["commands"].([]interface{})
	newest := records[0].(map[string]interface{})
	assert.Equal(t, "QVFW", newest["command"])
	assert.Equal(t, true, newest["raw"])

	w, _ = do(t, server, http.MethodGet, "/api/v1/commands/history?limit=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleReconnect(t *testing.T) {
	server, _, _, device := connectedServer(t)
	opens := device.Opens()

	w, body := do(t, server, http.MethodPost, "/api/v1/reconnect")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reconnected", body["status"])
	assert.Equal(t, opens+1, device.Opens())

	for _, method := range []string{http.MethodGet, http.MethodDelete} {
		w, _ = do(t, server, method, "/api/v1/reconnect")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, method)
	}
	assert.Equal(t, opens+1, device.Opens())

	w, _ = do(t, server, http.MethodGet, "/api/v1/status")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleReconnect_Failure(t *testing.T) {
	server, _, _ := newTestServer(t, func(string) (transport.Handle, error) {
		return nil, errors.New("no such device")
	})

	w, body := do(t, server, http.MethodPost, "/api/v1/reconnect")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, body["error"], "no such device")
}

func TestHandleMetrics(t *testing.T) {
	server, _, _, _ := connectedServer(t)

	w, _ := do(t, server, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)

	m := monitor.New()
	m.SetConnected(true)
	server.SetMetricsHandler(m.Handler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "xpertking_device_connected 1")
}

func TestStartStop(t *testing.T) {
	server, _, _, _ := connectedServer(t)
	server.config.API.Host = "127.0.0.1"
	server.config.API.Port = 0

	require.NoError(t, server.Start(context.Background()))
	require.NoError(t, server.Stop(context.Background()))
}

func TestStream(t *testing.T) {
	server, _, _, _ := connectedServer(t)
	server.Hub().Start()
	defer server.Hub().Stop()

	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		return server.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	server.Hub().Broadcast(&domain.Snapshot{
		Group: "data",
		Items: []domain.TelemetryItem{{Param: "grid_voltage", Value: 230.0, Unit: "V"}},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var snapshot domain.Snapshot
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "data", snapshot.Group)
	require.Len(t, snapshot.Items, 1)
	assert.Equal(t, "grid_voltage", snapshot.Items[0].Param)
}

func TestStreamLiveQueryBroadcasts(t *testing.T) {
	server, _, _, _ := connectedServer(t)
	server.Hub().Start()
	defer server.Hub().Stop()

	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	require.Eventually(t, func() bool {
		return server.Hub().ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	w, _ := do(t, server, http.MethodGet, "/api/v1/telemetry/config?live=true")
	require.Equal(t, http.StatusOK, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var snapshot domain.Snapshot
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "config", snapshot.Group)
	assert.True(t, snapshot.State.Connected)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStreamLogsTagComponentOnce(t *testing.T) {
	buf := &lockedBuffer{}
	previous := log.Logger
	log.Logger = zerolog.New(buf)
	t.Cleanup(func() { log.Logger = previous })

	server, _, _, _ := connectedServer(t)

	w, _ := do(t, server, http.MethodGet, "/api/v1/stream")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var line string
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(l, "Websocket upgrade failed") {
			line = l
		}
	}
	require.NotEmpty(t, line, buf.String())
	assert.Equal(t, 1, strings.Count(line, `"component"`), line)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "stream", entry["component"])
}
