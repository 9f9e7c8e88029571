// ABOUTME: Tests for the gateway client: handshake, dispatch, reconnect, keepalive.
// ABOUTME: Uses an in-memory Conn; no real network or websocket involved.

package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runtime/internal/agent"
	"github.com/2389/coven-runtime/internal/engine"
	"github.com/2389/coven-runtime/internal/protocol"
)

type fakeConn struct {
	inbound  chan protocol.Envelope
	outbound chan protocol.Envelope
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan protocol.Envelope, 16),
		outbound: make(chan protocol.Envelope, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-f.inbound:
		return env, nil
	case <-f.closed:
		return protocol.Envelope{}, io.EOF
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-f.closed:
		return io.EOF
	case f.outbound <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) feed(t *testing.T, mt protocol.MessageType, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(mt, payload)
	require.NoError(t, err)
	f.inbound <- env
}

func (f *fakeConn) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-f.outbound:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return protocol.Envelope{}
	}
}

// fakeDialer hands out a fresh fakeConn per dial attempt.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fc := newFakeConn()
	d.conns = append(d.conns, fc)
	return fc, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func testManager(t *testing.T, query engine.QueryFunc) *agent.Manager {
	t.Helper()
	if query == nil {
		query = func(ctx context.Context, opts engine.QueryOptions, next engine.NextPrompt) (<-chan *engine.Message, error) {
			out := make(chan *engine.Message)
			go func() {
				defer close(out)
				next(ctx)
				out <- &engine.Message{Type: engine.KindResult, Subtype: engine.ResultSuccess}
			}()
			return out, nil
		}
	}
	return agent.NewManager(agent.Config{
		WorkspaceBase: t.TempDir(),
		EngineKind:    engine.KindInProcess,
		Query:         query,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testClient(t *testing.T, dial Dialer, mgr *agent.Manager) *Client {
	t.Helper()
	return New(Config{
		RuntimeID:     "rt-1",
		SpaceID:       "s1",
		Name:          "test-runtime",
		Version:       "0.0.0-test",
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
	}, dial, mgr, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func handshake(t *testing.T, c *Client, d *fakeDialer) *fakeConn {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
	fc := d.conn(0)

	ready := fc.next(t)
	require.Equal(t, protocol.TypeRuntimeReady, ready.Type)

	fc.feed(t, protocol.TypeRuntimeConnected, protocol.RuntimeConnected{
		RuntimeID:       "rt-1",
		ProtocolVersion: "1",
	})
	require.Eventually(t, func() bool {
		return c.State() == StateReady
	}, 5*time.Second, 5*time.Millisecond)
	return fc
}

func TestConnect_Handshake(t *testing.T) {
	dialer := &fakeDialer{}
	c := testClient(t, dialer.dial, testManager(t, nil))
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	fc := dialer.conn(0)

	env := fc.next(t)
	require.Equal(t, protocol.TypeRuntimeReady, env.Type)
	var ready protocol.RuntimeReady
	require.NoError(t, env.Decode(&ready))
	assert.Equal(t, "rt-1", ready.RuntimeID)
	assert.Equal(t, "s1", ready.SpaceID)
	assert.NotEmpty(t, ready.MachineInfo.OS)

	// Idempotent: a second Connect on a live connection dials nothing.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, dialer.count())
}

func TestPing_EchoesTimestampWithoutTouchingIdleClock(t *testing.T) {
	dialer := &fakeDialer{}
	c := testClient(t, dialer.dial, testManager(t, nil))
	defer c.Disconnect()

	fc := handshake(t, c, dialer)

	c.mu.Lock()
	before := c.lastActivity
	c.mu.Unlock()

	fc.feed(t, protocol.TypePing, protocol.Ping{Timestamp: "2026-01-02T03:04:05Z"})

	env := fc.next(t)
	require.Equal(t, protocol.TypePong, env.Type)
	var pong protocol.Pong
	require.NoError(t, env.Decode(&pong))
	assert.Equal(t, "2026-01-02T03:04:05Z", pong.Timestamp)

	c.mu.Lock()
	after := c.lastActivity
	c.mu.Unlock()
	assert.True(t, after.Equal(before), "keepalive must not reset the idle clock")
}

func TestBackoffProgression(t *testing.T) {
	c := New(Config{
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
	}, nil, testManager(t, nil), slog.New(slog.NewTextHandler(io.Discard, nil)))

	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	c.mu.Lock()
	for i, w := range want {
		assert.Equal(t, w, c.nextDelayLocked(), "attempt %d", i)
	}
	c.mu.Unlock()
}

func TestDialFailure_RetriesWithBackoff(t *testing.T) {
	var attempts atomic.Int32
	dial := func(ctx context.Context) (Conn, error) {
		attempts.Add(1)
		return nil, fmt.Errorf("dial tcp: connection refused")
	}
	c := testClient(t, dial, testManager(t, nil))
	defer c.Disconnect()

	require.Error(t, c.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return attempts.Load() >= 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestReconnect_ReannouncesActiveAgents(t *testing.T) {
	mgr := testManager(t, nil)
	dialer := &fakeDialer{}
	c := testClient(t, dialer.dial, mgr)
	defer c.Disconnect()

	require.NoError(t, mgr.Activate(protocol.Activate{AgentID: "s1:c1:fox"}))
	require.NoError(t, mgr.Activate(protocol.Activate{AgentID: "s1:c1:owl"}))

	fc := handshake(t, c, dialer)

	checkins := map[string]bool{}
	for i := 0; i < 2; i++ {
		env := fc.next(t)
		require.Equal(t, protocol.TypeAgentCheckin, env.Type)
		var ci protocol.AgentCheckin
		require.NoError(t, env.Decode(&ci))
		checkins[ci.AgentID] = true
	}
	assert.Len(t, checkins, 2)

	// Drop the transport; the client reconnects and announces both agents
	// again on the new connection.
	fc.Close()
	require.Eventually(t, func() bool {
		return dialer.count() >= 2
	}, 5*time.Second, 5*time.Millisecond)

	fc2 := dialer.conn(1)
	env := fc2.next(t)
	require.Equal(t, protocol.TypeRuntimeReady, env.Type)

	fc2.feed(t, protocol.TypeRuntimeConnected, protocol.RuntimeConnected{RuntimeID: "rt-1"})

	reannounced := map[string]bool{}
	for i := 0; i < 2; i++ {
		env := fc2.next(t)
		require.Equal(t, protocol.TypeAgentCheckin, env.Type)
		var ci protocol.AgentCheckin
		require.NoError(t, env.Decode(&ci))
		reannounced[ci.AgentID] = true
	}
	assert.True(t, reannounced["s1:c1:fox"])
	assert.True(t, reannounced["s1:c1:owl"])
}

func TestMessageDispatch_RunsTurnAndSuppressesRedelivery(t *testing.T) {
	var turns atomic.Int32
	query := func(ctx context.Context, opts engine.QueryOptions, next engine.NextPrompt) (<-chan *engine.Message, error) {
		turns.Add(1)
		out := make(chan *engine.Message)
		go func() {
			defer close(out)
			next(ctx)
			out <- &engine.Message{Type: engine.KindResult, Subtype: engine.ResultSuccess}
		}()
		return out, nil
	}
	mgr := testManager(t, query)
	dialer := &fakeDialer{}
	c := testClient(t, dialer.dial, mgr)
	defer c.Disconnect()

	fc := handshake(t, c, dialer)

	msg := protocol.Message{AgentID: "s1:c1:fox", MessageID: "m-1", Content: "hello", Sender: "alice"}
	fc.feed(t, protocol.TypeMessage, msg)

	// Auto-activation emits a checkin, then the turn's frames follow.
	env := fc.next(t)
	require.Equal(t, protocol.TypeAgentCheckin, env.Type)
	waitForIdleFrame(t, fc)
	assert.Equal(t, int32(1), turns.Load())

	// The gateway redelivers the same message id after a hiccup: dropped.
	fc.feed(t, protocol.TypeMessage, msg)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), turns.Load())
}

// waitForIdleFrame consumes frame envelopes until the turn's idle marker.
func waitForIdleFrame(t *testing.T, fc *fakeConn) {
	t.Helper()
	for {
		env := fc.next(t)
		require.Equal(t, protocol.TypeFrame, env.Type)
		var rf protocol.RoutedFrame
		require.NoError(t, env.Decode(&rf))
		if rf.Frame.Kind == protocol.FrameIdle {
			return
		}
	}
}

func TestMessageDispatch_RepeatedContentIsNotDeduplicated(t *testing.T) {
	var turns atomic.Int32
	query := func(ctx context.Context, opts engine.QueryOptions, next engine.NextPrompt) (<-chan *engine.Message, error) {
		turns.Add(1)
		out := make(chan *engine.Message)
		go func() {
			defer close(out)
			next(ctx)
			out <- &engine.Message{Type: engine.KindResult, Subtype: engine.ResultSuccess}
		}()
		return out, nil
	}
	mgr := testManager(t, query)
	dialer := &fakeDialer{}
	c := testClient(t, dialer.dial, mgr)
	defer c.Disconnect()

	fc := handshake(t, c, dialer)

	// The user says "yes" twice in a row. Distinct message ids, identical
	// text: both must run a turn.
	fc.feed(t, protocol.TypeMessage, protocol.Message{
		AgentID: "s1:c1:fox", MessageID: "m-1", Content: "yes", Sender: "alice",
	})
	env := fc.next(t)
	require.Equal(t, protocol.TypeAgentCheckin, env.Type)
	waitForIdleFrame(t, fc)

	fc.feed(t, protocol.TypeMessage, protocol.Message{
		AgentID: "s1:c1:fox", MessageID: "m-2", Content: "yes", Sender: "alice",
	})
	waitForIdleFrame(t, fc)
	assert.Equal(t, int32(2), turns.Load())

	// So must a repeat that carries no message id at all.
	fc.feed(t, protocol.TypeMessage, protocol.Message{
		AgentID: "s1:c1:fox", Content: "yes", Sender: "alice",
	})
	waitForIdleFrame(t, fc)
	assert.Equal(t, int32(3), turns.Load())
}

func TestIdleTimeout_DefersWhileBusyThenFires(t *testing.T) {
	release := make(chan struct{})
	query := func(ctx context.Context, opts engine.QueryOptions, next engine.NextPrompt) (<-chan *engine.Message, error) {
		out := make(chan *engine.Message)
		go func() {
			defer close(out)
			next(ctx)
			<-release
			out <- &engine.Message{Type: engine.KindResult, Subtype: engine.ResultSuccess}
		}()
		return out, nil
	}
	mgr := testManager(t, query)
	dialer := &fakeDialer{}
	c := New(Config{
		RuntimeID:         "rt-1",
		SpaceID:           "s1",
		ReconnectBase:     5 * time.Millisecond,
		ReconnectMax:      20 * time.Millisecond,
		IdleTimeout:       30 * time.Millisecond,
		IdleCheckInterval: 10 * time.Millisecond,
	}, dialer.dial, mgr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer c.Disconnect()

	var fired atomic.Bool
	c.OnIdleTimeout(func() { fired.Store(true) })

	fc := handshake(t, c, dialer)

	fc.feed(t, protocol.TypeMessage, protocol.Message{
		AgentID: "s1:c1:fox", MessageID: "m-1", Content: "hello", Sender: "alice",
	})
	env := fc.next(t)
	require.Equal(t, protocol.TypeAgentCheckin, env.Type)
	require.Eventually(t, func() bool {
		return mgr.Status("s1:c1:fox") == agent.StatusBusy
	}, 5*time.Second, time.Millisecond)

	// Several check intervals pass with the clock long expired, but the
	// busy agent holds the timeout off.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load(), "idle timeout must defer while an agent is busy")

	close(release)
	waitForIdleFrame(t, fc)
	require.Eventually(t, func() bool {
		return fired.Load()
	}, 5*time.Second, time.Millisecond)
}

func TestSuspendDispatch(t *testing.T) {
	mgr := testManager(t, nil)
	dialer := &fakeDialer{}
	c := testClient(t, dialer.dial, mgr)
	defer c.Disconnect()

	require.NoError(t, mgr.Activate(protocol.Activate{AgentID: "s1:c1:fox"}))
	fc := handshake(t, c, dialer)

	fc.feed(t, protocol.TypeSuspend, protocol.Suspend{AgentID: "s1:c1:fox", Reason: "rotation"})
	require.Eventually(t, func() bool {
		return mgr.Status("s1:c1:fox") == agent.StatusOffline
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDisconnect_IsPermanent(t *testing.T) {
	mgr := testManager(t, nil)
	dialer := &fakeDialer{}
	c := testClient(t, dialer.dial, mgr)

	require.NoError(t, mgr.Activate(protocol.Activate{AgentID: "s1:c1:fox"}))
	handshake(t, c, dialer)

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	assert.Empty(t, mgr.ActiveAgents())

	// No reconnect after an explicit disconnect.
	require.Error(t, c.Connect(context.Background()))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
}
