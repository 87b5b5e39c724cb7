// Package api provides the HTTP API of the go-xpertking gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-xpertking/internal/config"
	"github.com/resident-x/go-xpertking/internal/domain"
	"github.com/resident-x/go-xpertking/internal/schema"
	"github.com/resident-x/go-xpertking/internal/session"
)

// Version is reported by the status endpoint.
var Version = "dev"

// Device is the inverter client as seen by the API.
type Device interface {
	Schema() *schema.Schema
	State() domain.ConnectionState
	Session() (session.SessionStats, bool)
	Query(command, param string) []domain.TelemetryItem
	QueryRaw(command, param string) []string
	QueryGroup(group schema.Group) []domain.TelemetryItem
	Reconnect() error
}

// MetricsProvider exposes component counters for the status endpoint.
type MetricsProvider interface {
	GetMetrics() map[string]interface{}
}

// Server represents the HTTP API server that provides monitoring and management functionality.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	device    Device
	store     domain.SnapshotStore
	hub       *StreamHub
	history   *CommandLog
	poller    MetricsProvider
	metrics   http.Handler
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, device Device, store domain.SnapshotStore) *Server {
	logger := log.With().Str("component", "api").Logger()

	s := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		device:    device,
		store:     store,
		hub:       NewStreamHub(log.Logger),
		history:   NewCommandLog(defaultHistorySize),
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// SetPollerMetrics attaches the poller counters to the status endpoint.
func (s *Server) SetPollerMetrics(p MetricsProvider) {
	s.poller = p
}

// SetMetricsHandler serves h on /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// Hub returns the live stream hub; the poller broadcasts through it.
func (s *Server) Hub() *StreamHub {
	return s.hub
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	api.HandleFunc("/telemetry", s.handleListTelemetry).Methods(http.MethodGet)
	api.HandleFunc("/telemetry/{group}", s.handleGetTelemetry).Methods(http.MethodGet)

	api.HandleFunc("/commands", s.handleListCommands).Methods(http.MethodGet)
	api.HandleFunc("/commands/history", s.handleCommandHistory).Methods(http.MethodGet)
	api.HandleFunc("/commands/{command}", s.handleQueryCommand).Methods(http.MethodGet)

	api.HandleFunc("/stream", s.hub.ServeWS).Methods(http.MethodGet)

	// Registered on the root router after the subrouter so that a wrong
	// method answers 405; subrouter siblings reset the method mismatch.
	s.router.HandleFunc("/api/v1/reconnect", s.handleReconnect).Methods(http.MethodPost)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.hub.Start()

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns gateway and device link information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	state := s.device.State()

	status := map[string]interface{}{
		"status":         "ok",
		"version":        Version,
		"uptime":         time.Since(s.startTime).String(),
		"device":         state,
		"streamClients":  s.hub.ClientCount(),
		"snapshotGroups": len(s.store.All()),
	}
	if !state.Connected {
		status["status"] = "degraded"
	}
	if stats, ok := s.device.Session(); ok {
		status["session"] = stats
	}
	if s.poller != nil {
		status["poller"] = s.poller.GetMetrics()
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleListTelemetry returns the latest snapshot of every group.
func (s *Server) handleListTelemetry(w http.ResponseWriter, _ *http.Request) {
	snapshots := s.store.All()
	s.writeJSON(w, map[string]interface{}{
		"snapshots": snapshots,
		"count":     len(snapshots),
	}, http.StatusOK)
}

// handleGetTelemetry returns one group, from the store or, with ?live=true,
// straight from the device.
func (s *Server) handleGetTelemetry(w http.ResponseWriter, r *http.Request) {
	group, err := schema.ParseGroup(mux.Vars(r)["group"])
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !queryBool(r, "live") {
		snapshot, ok := s.store.Get(string(group))
		if !ok {
			s.writeError(w, "No telemetry collected for group yet", http.StatusNotFound)
			return
		}
		s.writeSnapshot(w, r, snapshot)
		return
	}

	items := s.device.QueryGroup(group)
	if len(items) == 0 {
		s.writeError(w, "Inverter returned no telemetry", http.StatusServiceUnavailable)
		return
	}

	snapshot := &domain.Snapshot{
		Group:     string(group),
		Items:     items,
		Timestamp: time.Now(),
		State:     s.device.State(),
	}
	s.store.Put(snapshot)
	s.hub.Broadcast(snapshot)
	s.writeSnapshot(w, r, snapshot)
}

// writeSnapshot honours ?format=values, which flattens the items.
func (s *Server) writeSnapshot(w http.ResponseWriter, r *http.Request, snapshot *domain.Snapshot) {
	if r.URL.Query().Get("format") == "values" {
		s.writeJSON(w, map[string]interface{}{
			"group":     snapshot.Group,
			"timestamp": snapshot.Timestamp,
			"values":    snapshot.Values(),
		}, http.StatusOK)
		return
	}
	s.writeJSON(w, snapshot, http.StatusOK)
}

type fieldInfo struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Unit  string `json:"unit,omitempty"`
}

// handleListCommands describes every command in the loaded schema.
func (s *Server) handleListCommands(w http.ResponseWriter, _ *http.Request) {
	sch := s.device.Schema()
	commands := make(map[string][]fieldInfo)

	for _, name := range sch.Commands() {
		fields, err := sch.Lookup(name)
		if err != nil {
			continue
		}
		infos := make([]fieldInfo, 0, len(fields))
		for _, f := range fields {
			infos = append(infos, fieldInfo{Index: f.Index, Name: f.Name, Type: f.Kind.String(), Unit: f.Unit})
		}
		commands[name] = infos
	}

	groups := make(map[string][]string)
	for _, g := range schema.Groups() {
		groups[string(g)] = sch.CommandsForGroup(g)
	}

	s.writeJSON(w, map[string]interface{}{
		"commands": commands,
		"groups":   groups,
		"count":    len(commands),
	}, http.StatusOK)
}

// handleQueryCommand sends one command to the inverter. ?raw=true skips decoding.
func (s *Server) handleQueryCommand(w http.ResponseWriter, r *http.Request) {
	command := strings.ToUpper(mux.Vars(r)["command"])
	param := r.URL.Query().Get("param")
	raw := queryBool(r, "raw")

	if !raw && !s.device.Schema().Has(command) {
		s.writeError(w, fmt.Sprintf("Unknown command %q", command), http.StatusNotFound)
		return
	}

	started := time.Now()
	entry := CommandRecord{Command: command, Param: param, Raw: raw, RequestedAt: started}

	if raw {
		fields := s.device.QueryRaw(command, param)
		entry.Duration = time.Since(started)
		entry.Results = len(fields)
		s.history.Add(entry)

		if len(fields) == 0 {
			s.writeError(w, "Inverter returned no data", http.StatusServiceUnavailable)
			return
		}
		s.writeJSON(w, map[string]interface{}{
			"command": command,
			"param":   param,
			"fields":  fields,
		}, http.StatusOK)
		return
	}

	items := s.device.Query(command, param)
	entry.Duration = time.Since(started)
	entry.Results = len(items)
	s.history.Add(entry)

	if len(items) == 0 {
		s.writeError(w, "Inverter returned no telemetry", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"command": command,
		"param":   param,
		"items":   items,
		"count":   len(items),
	}, http.StatusOK)
}

// handleCommandHistory lists recent API-issued commands, newest first.
func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records := s.history.Recent(limit)
	failed := 0
	for _, record := range records {
		if !record.Succeeded() {
			failed++
		}
	}

	s.writeJSON(w, map[string]interface{}{
		"commands": records,
		"count":    len(records),
		"failed":   failed,
	}, http.StatusOK)
}

// handleReconnect reopens the device handle.
func (s *Server) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	if err := s.device.Reconnect(); err != nil {
		s.logger.Warn().Err(err).Msg("Reconnect requested over API failed")
		s.writeError(w, err.Error(), http.StatusBadGateway)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"status": "reconnected",
		"device": s.device.State(),
	}, http.StatusOK)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeError(w, "Metrics disabled", http.StatusNotFound)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
