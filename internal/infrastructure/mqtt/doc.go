// Package mqtt connects the Diskovery service to the Gray Logic MQTT bus.
//
// It manages:
//   - The broker connection with auto-reconnect and restored subscriptions
//   - Publishing with QoS and size checks
//   - Wildcard subscriptions with panic-safe handlers
//   - Online/offline announcements and the Last Will on graylogic/system/status
//
// # Topics
//
//	graylogic/state/diskovery/{hub_id}    retained state snapshot
//	graylogic/command/diskovery/{hub_id}  commands in
//	graylogic/ack/diskovery/{hub_id}      command acknowledgements
//	graylogic/health/diskovery            bridge health, retained
//
// Use Topics to build them rather than formatting strings by hand.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.Command("diskovery-1"), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(payload)
//	    })
package mqtt
