// ABOUTME: Wire protocol types shared between the runtime and the gateway backend.
// ABOUTME: Defines message envelopes, frame payloads, and agent id parsing.

// Package protocol defines the message types exchanged over the runtime's
// persistent connection to the gateway, plus the Frame event model that
// carries agent output back to the backend.
package protocol
