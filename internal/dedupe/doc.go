// Package dedupe suppresses backend message redeliveries within a
// configurable window, so a reconnect replay does not start duplicate turns.
package dedupe
