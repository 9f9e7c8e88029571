// ABOUTME: Subprocess engine implementation speaking JSONL over stdin/stdout.
// ABOUTME: Spawns the engine binary, pumps its output stream, and handles termination.

package engine

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// maxLineSize bounds one JSONL output line from the engine.
const maxLineSize = 1024 * 1024

// terminateGrace is how long a terminated process gets to exit cleanly
// before it is killed.
const terminateGrace = 5 * time.Second

// SpawnConfig configures a subprocess engine.
type SpawnConfig struct {
	Command string
	Args    []string
	WorkDir string
	// Env is the complete child environment, nil meaning inherit.
	Env []string
}

// Process is a live subprocess engine. It implements Engine.
type Process struct {
	PID int

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	out      chan *Message
	done     chan struct{}
	waitOnce sync.Once
	waitErr  error
	logger   *slog.Logger
}

var _ Engine = (*Process)(nil)

// Spawn starts the engine subprocess and begins pumping its stdout.
// The returned Process is ready to receive Deliver calls.
func Spawn(cfg SpawnConfig, logger *slog.Logger) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("spawn: no engine command configured")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = cfg.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn: starting %s: %w", cfg.Command, err)
	}

	p := &Process{
		PID:    cmd.Process.Pid,
		cmd:    cmd,
		stdin:  stdin,
		out:    make(chan *Message, 64),
		done:   make(chan struct{}),
		logger: logger.With("engine_pid", cmd.Process.Pid),
	}

	go p.readOutput(stdout)
	go p.reap()

	p.logger.Debug("engine subprocess spawned", "command", cfg.Command)
	return p, nil
}

// reap collects the child's exit status once its output stream ends, so an
// engine that dies on its own never lingers as a zombie.
func (p *Process) reap() {
	<-p.done
	p.wait()
}

// wait calls cmd.Wait exactly once; callers must not race the stdout pump,
// so it is only invoked after done is closed.
func (p *Process) wait() error {
	p.waitOnce.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			// Non-zero exit and death-by-signal are the normal outcome here.
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				p.waitErr = fmt.Errorf("waiting for engine exit: %w", err)
			}
		}
	})
	return p.waitErr
}

// Deliver writes one user message to the engine's stdin as a JSONL line.
func (p *Process) Deliver(content string) error {
	msg := Message{
		Type: KindUser,
		Message: &ChatMessage{
			Role:    "user",
			Content: []ContentBlock{{Type: BlockText, Text: content}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding user message: %w", err)
	}
	data = append(data, '\n')

	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("writing to engine stdin: %w", err)
	}
	return nil
}

// Output returns the engine's native message stream. The channel is closed
// when the subprocess stops producing output.
func (p *Process) Output() <-chan *Message {
	return p.out
}

// Terminate stops the subprocess: stdin is closed, the process gets SIGTERM
// and a grace period, then SIGKILL. In-flight output already read is still
// delivered on Output before it closes.
func (p *Process) Terminate(reason string) error {
	p.logger.Debug("terminating engine subprocess", "reason", reason)

	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.done:
	case <-time.After(terminateGrace):
		p.logger.Warn("engine subprocess did not exit, killing", "reason", reason)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}

	return p.wait()
}

// readOutput pumps stdout JSONL lines onto the output channel.
// Unparseable lines are logged once and skipped, never fatal.
func (p *Process) readOutput(stdout io.Reader) {
	defer close(p.out)
	defer close(p.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := DecodeMessage(line)
		if err != nil {
			p.logger.Warn("skipping malformed engine output line", "error", err)
			continue
		}
		p.out <- msg
	}

	if err := scanner.Err(); err != nil {
		p.logger.Warn("engine output read ended with error", "error", err)
	}
}

