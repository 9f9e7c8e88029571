// Package client owns the runtime's single connection to the gateway.
//
// # Overview
//
// The Client translates inbound wire messages into agent.Manager calls and
// the Manager's outputs into outbound wire messages. It layers the
// reconnect, heartbeat, and idle-timeout protocol on top of the transport.
//
// # State machine
//
// disconnected -> connecting -> connected -> ready. On transport close the
// client falls back to disconnected and schedules a reconnect with
// exponential backoff; only an explicit Disconnect is permanent.
package client
