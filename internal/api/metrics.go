package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	MQTT          *MQTTMetrics    `json:"mqtt,omitempty"`
	Controller    LinkMetrics     `json:"controller"`
	History       *HistoryMetrics `json:"history,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// LinkMetrics contains controller link counters.
type LinkMetrics struct {
	Initialized    bool    `json:"initialized"`
	Listener       string  `json:"listener"`
	HeartbeatLost  bool    `json:"heartbeat_lost"`
	FramesRx       uint64  `json:"frames_rx"`
	HeartbeatsRx   uint64  `json:"heartbeats_rx"`
	Malformed      uint64  `json:"malformed"`
	CommandsTx     uint64  `json:"commands_tx"`
	AnswersRx      uint64  `json:"answers_rx"`
	BusySkipped    uint64  `json:"busy_skipped"`
	Timeouts       uint64  `json:"timeouts"`
	ProtocolErrors uint64  `json:"protocol_errors"`
	CommErrors     uint64  `json:"comm_errors"`
	LastLatencyMS  float64 `json:"last_latency_ms"`
	ChangesDropped uint64  `json:"changes_dropped"`
}

// HistoryMetrics contains history recorder counters.
type HistoryMetrics struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
	Pruned   uint64 `json:"pruned"`
}

// handleMetrics returns link, WebSocket and runtime metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hs := s.hub.Stats()
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.ws.ClientCount(),
		},
		Controller: LinkMetrics{
			Initialized:    hs.Initialized,
			Listener:       hs.Listener.State.String(),
			HeartbeatLost:  hs.Listener.HeartbeatLost,
			FramesRx:       hs.Listener.FramesRx,
			HeartbeatsRx:   hs.Listener.HeartbeatsRx,
			Malformed:      hs.Listener.Malformed,
			CommandsTx:     hs.Commander.CommandsTx,
			AnswersRx:      hs.Commander.AnswersRx,
			BusySkipped:    hs.Commander.BusySkipped,
			Timeouts:       hs.Commander.Timeouts,
			ProtocolErrors: hs.Commander.ProtocolErrors,
			CommErrors:     hs.Commander.CommErrors,
			LastLatencyMS:  float64(hs.Commander.LastLatency) / float64(time.Millisecond),
			ChangesDropped: hs.ChangesDropped,
		},
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}

	if s.recorder != nil {
		rs := s.recorder.Stats()
		metrics.History = &HistoryMetrics{
			Recorded: rs.Recorded,
			Dropped:  rs.Dropped,
			Failed:   rs.Failed,
			Pruned:   rs.Pruned,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
