// Package agent owns the runtime's agent instances and their lifecycle.
//
// # Overview
//
// The Manager tracks every agent hosted by this runtime. For each agent it
// owns the workspace directory, the Bridge translating engine output into
// frames, the MessageStream feeding an in-process engine turn, and any
// subprocess engine handle.
//
// # Manager
//
// Key operations:
//
//   - Activate(activate): Bring an agent online (idempotent)
//   - DeliverMessage(msg): Route conversation content to an agent,
//     auto-activating it if needed
//   - Suspend(agentID, reason): Take an agent offline (idempotent)
//   - SuspendAll(reason): Suspend every agent, used at shutdown
//
// # State machine
//
// Per agent: offline -> activating -> online -> busy -> online (loop) ->
// offline, re-enterable. At most one processing turn per agent runs at a
// time; deliveries arriving mid-turn are injected into the live
// MessageStream or queued, never started as a second turn.
package agent
