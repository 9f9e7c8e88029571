// ABOUTME: QueryFunc backed by one engine process per turn.
// ABOUTME: Feeds input units to the child as the turn pulls them.

package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
)

// toolServersEnvVar carries the resolved tool server list to the engine
// process as JSON.
const toolServersEnvVar = "COVEN_TOOL_SERVERS"

// ProcessQuery returns a QueryFunc that spawns one engine process per turn.
// The child receives input units over stdin as the turn pulls them and is
// expected to exit after emitting its result. Session continuation and the
// system prompt are passed as flags.
func ProcessQuery(command string, args []string, logger *slog.Logger) QueryFunc {
	return func(ctx context.Context, opts QueryOptions, next NextPrompt) (<-chan *Message, error) {
		turnArgs := make([]string, len(args), len(args)+4)
		copy(turnArgs, args)
		if opts.SessionID != "" {
			turnArgs = append(turnArgs, "--resume", opts.SessionID)
		}
		if opts.SystemPrompt != "" {
			turnArgs = append(turnArgs, "--system-prompt", opts.SystemPrompt)
		}

		p, err := Spawn(SpawnConfig{
			Command: command,
			Args:    turnArgs,
			WorkDir: opts.WorkDir,
			Env:     turnEnviron(opts),
		}, logger)
		if err != nil {
			return nil, err
		}

		go func() {
			for {
				unit, ok := next(ctx)
				if !ok {
					break
				}
				if err := p.Deliver(unit); err != nil {
					logger.Warn("delivering input to engine process", "error", err)
					break
				}
			}
			// The input stream is done; a well-behaved child has already
			// exited after its result.
			_ = p.Terminate("input stream closed")
		}()

		return p.Output(), nil
	}
}

// turnEnviron builds the child environment. An empty opts.Env means the
// child inherits the process environment.
func turnEnviron(opts QueryOptions) []string {
	if len(opts.Env) == 0 && len(opts.ToolServers) == 0 {
		return nil
	}
	var env []string
	if len(opts.Env) == 0 {
		env = os.Environ()
	} else {
		env = make([]string, 0, len(opts.Env)+1)
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
	}
	if len(opts.ToolServers) > 0 {
		if data, err := json.Marshal(opts.ToolServers); err == nil {
			env = append(env, toolServersEnvVar+"="+string(data))
		}
	}
	return env
}
