// Package mqtt mirrors turn activity onto an MQTT broker. Every
// completed turn is published as JSON on a per-conversation topic, and
// a retained status document reports the running instance.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic. A will message ensures the availability topic
// transitions to "offline" on unexpected disconnects.
package mqtt
