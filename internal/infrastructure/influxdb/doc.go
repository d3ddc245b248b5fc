// Package influxdb writes Diskovery telemetry to InfluxDB v2 through the
// official influxdb-client-go library.
//
// Two measurements are written:
//   - diskovery_state: one point per committed numeric field change,
//     tagged hub_id, field and source
//   - diskovery_link: periodic link counters (frames, busy skips,
//     timeouts, latency), tagged hub_id
//
// InfluxDB is optional. Connect returns ErrDisabled when influxdb.enabled
// is false and the daemon carries on without telemetry.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	hub.Subscribe(func(c diskovery.Change) { client.WriteChange(hubID, c) })
package influxdb
