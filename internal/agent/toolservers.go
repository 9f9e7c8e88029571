// ABOUTME: Tool server resolution: per-transport validation and loopback rewriting.
// ABOUTME: Malformed entries are skipped with a warning, never abort activation.

package agent

import (
	"log/slog"
	"net"
	"net/url"

	"github.com/2389/coven-runtime/internal/engine"
	"github.com/2389/coven-runtime/internal/protocol"
)

// containerLoopbackHost is where loopback addresses resolve to when the
// runtime is containerized and the tool server runs on the host.
const containerLoopbackHost = "host.docker.internal"

// resolveToolServers validates configured tool servers and produces the
// deploy-ready list. Entries missing required fields for their transport are
// skipped individually; stdio needs a command, http and sse need a URL.
func resolveToolServers(servers []protocol.ToolServer, rewriteLoopback bool, logger *slog.Logger) []engine.ResolvedToolServer {
	resolved := make([]engine.ResolvedToolServer, 0, len(servers))
	for _, ts := range servers {
		if ts.Name == "" {
			logger.Warn("skipping tool server with no name")
			continue
		}
		transport := ts.Transport
		if transport == "" {
			transport = "stdio"
		}

		switch transport {
		case "stdio":
			if ts.Command == "" {
				logger.Warn("skipping stdio tool server with no command", "name", ts.Name)
				continue
			}
		case "http", "sse":
			if ts.URL == "" {
				logger.Warn("skipping tool server with no url", "name", ts.Name, "transport", transport)
				continue
			}
		default:
			logger.Warn("skipping tool server with unknown transport", "name", ts.Name, "transport", transport)
			continue
		}

		serverURL := ts.URL
		if rewriteLoopback && serverURL != "" {
			serverURL = rewriteLoopbackHost(serverURL)
		}

		resolved = append(resolved, engine.ResolvedToolServer{
			Name:      ts.Name,
			Transport: transport,
			Command:   ts.Command,
			Args:      ts.Args,
			URL:       serverURL,
			Headers:   ts.Headers,
			Env:       ts.Env,
		})
	}
	return resolved
}

// rewriteLoopbackHost points a loopback URL at the container host gateway.
// Non-loopback and unparseable URLs pass through untouched.
func rewriteLoopbackHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := u.Hostname()
	if host != "localhost" && host != "127.0.0.1" {
		return raw
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(containerLoopbackHost, port)
	} else {
		u.Host = containerLoopbackHost
	}
	return u.String()
}
