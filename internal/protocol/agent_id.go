// ABOUTME: Agent id parsing and validation for the space:channel:callsign format.
// ABOUTME: Any shape other than exactly three non-empty segments is rejected.

package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAgentID indicates an agent id that is not three colon-separated segments.
var ErrInvalidAgentID = errors.New("invalid agent id")

// AgentID identifies one agent as spaceId:channelId:callsign.
type AgentID struct {
	Space    string
	Channel  string
	Callsign string
}

// ParseAgentID validates and splits a composite agent id.
// The id must be exactly three non-empty colon-separated segments.
func ParseAgentID(s string) (AgentID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return AgentID{}, fmt.Errorf("%w: %q must have exactly 3 segments", ErrInvalidAgentID, s)
	}
	for _, p := range parts {
		if p == "" {
			return AgentID{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidAgentID, s)
		}
	}
	return AgentID{Space: parts[0], Channel: parts[1], Callsign: parts[2]}, nil
}

// String reassembles the composite id.
func (a AgentID) String() string {
	return a.Space + ":" + a.Channel + ":" + a.Callsign
}
