// ABOUTME: On-disk session marker for engine-level continuation.
// ABOUTME: The marker is a heuristic hint; the engine may start fresh regardless.

package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// sessionMarkerFile lives in an agent's workspace and records the engine
// session id of the most recent turn.
const sessionMarkerFile = ".coven-session"

func readSessionMarker(workspace string) string {
	data, err := os.ReadFile(filepath.Join(workspace, sessionMarkerFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func writeSessionMarker(workspace, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(workspace, sessionMarkerFile), []byte(sessionID+"\n"), 0o644)
}
