// ABOUTME: Transport failure classification for clean logging.
// ABOUTME: Every class of failure still ends in a backoff-scheduled reconnect.

package client

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// classifyTransportError labels a transport failure for logs. The label
// never changes the recovery path.
func classifyTransportError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "refused"
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return "reset"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "not-found"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "closed"
}
