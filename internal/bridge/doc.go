// Package bridge connects a Diskovery hub to the Gray Logic MQTT bus.
//
// Topics (hub_id from diskovery.hub_id in config):
//
//	graylogic/state/diskovery/{hub_id}    state snapshot, retained, on every change
//	graylogic/command/diskovery/{hub_id}  commands from Core
//	graylogic/ack/diskovery/{hub_id}      one ack per command
//	graylogic/health/diskovery            bridge health, retained, periodic
//
// Commands:
//
//	{"id": "...", "command": "set", "parameters": {"field": "FILTER_POSITION", "value": 2}}
//	{"id": "...", "command": "refresh"}
//
// A set is acknowledged only after the controller confirms the value, so
// an "accepted" ack always carries the confirmed value. Commands without
// an id are assigned a UUID; the ack carries it.
package bridge
