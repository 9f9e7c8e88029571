// ABOUTME: Package bridge translates one agent's native engine messages into protocol frames.
// ABOUTME: One Bridge per agent; frames funnel through a single emission point stamping the agent id.
package bridge
