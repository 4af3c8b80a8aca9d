// Package mqtt publishes the mission status to an MQTT broker and
// relays operator broadcasts from the broker into the comms feed.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic and re-subscribes to the broadcast topic. A will
// message moves the availability topic to "offline" on unexpected
// disconnects.
//
// Topics, under the configured prefix:
//
//	<prefix>/availability        online | offline (retained)
//	<prefix>/mission/state       mission snapshot JSON (retained)
//	<prefix>/mission/status      IDLE | WAITING | RUNNING | COMPLETED (retained)
//	<prefix>/mission/remaining   seconds (retained)
//	<prefix>/health/mode         ONLINE | DEGRADED (retained)
//	<prefix>/events              lifecycle events as JSON
//	<prefix>/broadcast           inbound; payload is shown to every player
package mqtt
