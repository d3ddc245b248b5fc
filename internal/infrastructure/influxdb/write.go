package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-diskovery/internal/diskovery"
)

// Measurement names.
const (
	MeasurementState = "diskovery_state"
	MeasurementLink  = "diskovery_link"
)

// WriteChange records one committed field change as a diskovery_state
// point tagged with hub_id, field and source. Numeric fields are written
// as an integer "value"; text fields (serial number, versions) are skipped
// since they never change within a session.
func (c *Client) WriteChange(hubID string, ch diskovery.Change) {
	if !c.IsConnected() || !ch.Field.Numeric() || ch.Field == diskovery.FieldStatus {
		return
	}

	value, err := strconv.ParseInt(ch.Value, 10, 64)
	if err != nil {
		return
	}

	at := ch.At
	if at.IsZero() {
		at = time.Now()
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementState,
		map[string]string{
			"hub_id": hubID,
			"field":  string(ch.Field),
			"source": string(ch.Source),
		},
		map[string]any{"value": value},
		at,
	))
}

// WriteLinkStats records link counters as a diskovery_link point, used to
// spot a noisy cable or a controller that keeps answering busy.
func (c *Client) WriteLinkStats(hubID string, s diskovery.HubStats) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementLink,
		map[string]string{"hub_id": hubID},
		map[string]any{
			"frames_rx":       int64(s.Listener.FramesRx),
			"heartbeats_rx":   int64(s.Listener.HeartbeatsRx),
			"malformed":       int64(s.Listener.Malformed),
			"commands_tx":     int64(s.Commander.CommandsTx),
			"busy_skipped":    int64(s.Commander.BusySkipped),
			"timeouts":        int64(s.Commander.Timeouts),
			"protocol_errors": int64(s.Commander.ProtocolErrors),
			"comm_errors":     int64(s.Commander.CommErrors),
			"latency_ms":      s.Commander.LastLatency.Milliseconds(),
			"changes_dropped": int64(s.ChangesDropped),
			"heartbeat_lost":  s.Listener.HeartbeatLost,
		},
		time.Now(),
	))
}
