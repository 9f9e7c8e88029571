// ABOUTME: Narrow capability surface over heterogeneous agent engines.
// ABOUTME: Subprocess engines speak JSONL over stdin/stdout; in-process engines plug in a query function.

// Package engine defines the small interface the agent manager drives
// (deliver input, consume an output stream, terminate) together with the
// native engine message model and a subprocess implementation of it.
package engine
