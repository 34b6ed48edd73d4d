package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// RunnerTransport starts and interrupts one agent execution inside an
// already-warm runner container. The Docker-backed implementation is the
// only one shipped; tests use a fake that replays canned JSON-lines.
type RunnerTransport interface {
	// Start begins (or resumes) an execution in containerID, returning
	// the stdin writer to feed prompts/interventions and the stdout
	// reader to decode engine events from.
	Start(ctx context.Context, containerID string) (io.WriteCloser, io.ReadCloser, error)
	// Interrupt signals the running execution in containerID to stop its
	// current generation so a new prompt can be fed.
	Interrupt(ctx context.Context, containerID string) error
}

// agentCommand is the command run inside a runner container; it speaks
// newline-delimited JSON on stdin/stdout.
var agentCommand = []string{"agent-runner"}

// DockerExecTransport drives a runner via `docker exec` attach, exactly
// the teacher's CreateExecSession, generalized from an interactive bash
// shell to the agent binary's JSON-lines protocol.
type DockerExecTransport struct {
	cli             *client.Client
	interruptSignal string
}

// NewDockerExecTransport creates a transport bound to cli. interruptSignal
// is the signal sent on Interrupt (e.g. "SIGINT").
func NewDockerExecTransport(cli *client.Client, interruptSignal string) *DockerExecTransport {
	if interruptSignal == "" {
		interruptSignal = "SIGINT"
	}
	return &DockerExecTransport{cli: cli, interruptSignal: interruptSignal}
}

// execWriter and execReader adapt a Docker exec HijackedResponse into separate
// io.WriteCloser/io.ReadCloser halves.
type execWriter struct {
	conn interface {
		Write([]byte) (int, error)
		Close() error
	}
}

func (w execWriter) Write(p []byte) (int, error) { return w.conn.Write(p) }
func (w execWriter) Close() error                { return w.conn.Close() }

type execReader struct {
	r io.Reader
	c io.Closer
}

func (r execReader) Read(p []byte) (int, error) { return r.r.Read(p) }
func (r execReader) Close() error               { return r.c.Close() }

// Start creates an exec session in containerID running the agent command
// and attaches to it.
func (t *DockerExecTransport) Start(ctx context.Context, containerID string) (io.WriteCloser, io.ReadCloser, error) {
	execCfg := container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          agentCommand,
	}

	resp, err := t.cli.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create exec session in runner %s: %w", containerID, err)
	}

	attach, err := t.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("attach to runner exec session %s: %w", resp.ID, err)
	}

	stdin := execWriter{conn: attach.Conn}
	stdout := execReader{r: attach.Reader, c: attach.Conn}
	return stdin, stdout, nil
}

// Interrupt sends the configured signal to containerID's main process,
// mirroring the teacher's PTY controller sending control sequences to a
// foreground process. The Docker SDK has no way to signal one exec's
// process directly, so interrupt targets the runner container itself.
func (t *DockerExecTransport) Interrupt(ctx context.Context, containerID string) error {
	if err := t.cli.ContainerKill(ctx, containerID, t.interruptSignal); err != nil {
		return fmt.Errorf("interrupt runner %s: %w", containerID, err)
	}
	return nil
}
