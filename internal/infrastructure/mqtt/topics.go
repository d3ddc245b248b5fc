package mqtt

import "fmt"

// Topic layout. Bridge topics use the flat scheme shared by every Gray Logic
// bridge: graylogic/{category}/{protocol}/{id}.
const (
	// TopicPrefix is the root of all Gray Logic topics.
	TopicPrefix = "graylogic"

	// Protocol is the protocol segment used by this service.
	Protocol = "diskovery"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "graylogic/system"
)

// Topics builds the MQTT topics used by the Diskovery bridge.
//
//	topics := mqtt.Topics{}
//	topics.State("diskovery-1")   // graylogic/state/diskovery/diskovery-1
//	topics.Command("diskovery-1") // graylogic/command/diskovery/diskovery-1
type Topics struct{}

// State returns the retained state topic for a hub.
//
// Example: graylogic/state/diskovery/diskovery-1
func (Topics) State(hubID string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, hubID)
}

// Command returns the topic a hub takes commands on.
//
// Example: graylogic/command/diskovery/diskovery-1
func (Topics) Command(hubID string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, hubID)
}

// Ack returns the topic command acknowledgements are published to.
//
// Example: graylogic/ack/diskovery/diskovery-1
func (Topics) Ack(hubID string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, hubID)
}

// Health returns the bridge health topic. It also carries the Last Will.
//
// Example: graylogic/health/diskovery
func (Topics) Health() string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, Protocol)
}

// SystemStatus returns the service online/offline topic.
//
// Example: graylogic/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllStates matches the state topics of every hub.
//
// Pattern: graylogic/state/diskovery/+
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/state/%s/+", TopicPrefix, Protocol)
}

// AllCommands matches the command topics of every hub.
//
// Pattern: graylogic/command/diskovery/+
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, Protocol)
}

// AllAcks matches the ack topics of every hub.
//
// Pattern: graylogic/ack/diskovery/+
func (Topics) AllAcks() string {
	return fmt.Sprintf("%s/ack/%s/+", TopicPrefix, Protocol)
}
