// Package store persists the runtime's turn cost ledger.
//
// Every completed turn produces one cost record (dollars, durations, token
// counters). The ledger backs local accounting queries; it never holds
// conversation history.
package store
