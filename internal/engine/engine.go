// ABOUTME: Engine capability interface and the in-process query primitive.
// ABOUTME: The manager branches by interface dispatch, not by engine internals.

package engine

import "context"

// Kind selects how an agent's engine runs.
type Kind string

const (
	// KindInProcess runs the engine inside the runtime process via a QueryFunc.
	KindInProcess Kind = "in-process"
	// KindSubprocess runs the engine as a spawned child process.
	KindSubprocess Kind = "subprocess"
)

// Engine is the narrow capability surface the agent manager drives.
// Implementations stream native Messages on Output until the turn (or the
// whole engine) ends; the channel is closed when no more output will come.
type Engine interface {
	// Deliver hands one unit of user input to the engine.
	Deliver(content string) error
	// Output is the engine's native message stream.
	Output() <-chan *Message
	// Terminate stops the engine, passing the reason through.
	Terminate(reason string) error
}

// NextPrompt pulls the next unit of input for an in-process engine turn.
// It returns false when the input stream is done.
type NextPrompt func(ctx context.Context) (string, bool)

// QueryOptions configures one in-process engine turn.
type QueryOptions struct {
	SystemPrompt string
	WorkDir      string
	// SessionID resumes an existing engine session when non-empty. Presence
	// is a hint; the engine may start fresh regardless.
	SessionID   string
	ToolServers []ResolvedToolServer
	Env         map[string]string
}

// QueryFunc is the in-process engine primitive: run one turn, pulling input
// units via next and streaming native messages until the turn completes.
// The returned channel must be closed when the turn is over.
type QueryFunc func(ctx context.Context, opts QueryOptions, next NextPrompt) (<-chan *Message, error)

// ResolvedToolServer is a validated, deploy-ready tool server entry.
type ResolvedToolServer struct {
	Name      string
	Transport string
	Command   string
	Args      []string
	URL       string
	Headers   map[string]string
	Env       map[string]string
}
