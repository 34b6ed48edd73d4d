// Package engine implements the Engine Adapter (C7): wraps one agent
// execution as a cold async event iterator, forwarding interventions as
// follow-up prompts between turns.
package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/taskexec/internal/domain"
	"github.com/ashureev/taskexec/internal/runnerpool"
	"github.com/google/uuid"
)

// Result is one item produced by Execute: either a decoded event or a
// terminal error. The channel closes once the runner's output stream ends
// or a terminal error (including cancellation) has been sent; a `result`
// event does not by itself close it.
type Result struct {
	Event domain.Event
	Err   error
}

// GetInterventionFunc returns the next queued intervention for a task, if
// any, without blocking.
type GetInterventionFunc func() (domain.Intervention, bool)

// OnInterventionSentFunc is invoked synchronously once an intervention
// has been handed off to the runner.
type OnInterventionSentFunc func(domain.Intervention)

const transientNotFoundHint = "session not found"

// Adapter drives one task's execution against a warm runner acquired
// from the pool.
type Adapter struct {
	pool      *runnerpool.Pool
	transport RunnerTransport
	tailSize  int
}

// New creates an adapter bound to pool and transport.
func New(pool *runnerpool.Pool, transport RunnerTransport) *Adapter {
	return &Adapter{pool: pool, transport: transport, tailSize: 8 * 1024}
}

// Execute acquires a runner (by resumeSessionID if given), feeds prompt,
// and returns a channel of decoded engine events. Between events it polls
// getIntervention; a present intervention is interrupted-and-resumed as a
// follow-up prompt, and onInterventionSent is called once handed off. On
// completion (success or error) the runner is released back to the pool
// keyed by the session id learned from the stream.
func (a *Adapter) Execute(
	ctx context.Context,
	prompt string,
	resumeSessionID string,
	getIntervention GetInterventionFunc,
	onInterventionSent OnInterventionSentFunc,
) <-chan Result {
	out := make(chan Result)
	go a.run(ctx, prompt, resumeSessionID, getIntervention, onInterventionSent, out)
	return out
}

func (a *Adapter) run(
	ctx context.Context,
	prompt string,
	resumeSessionID string,
	getIntervention GetInterventionFunc,
	onInterventionSent OnInterventionSentFunc,
	out chan<- Result,
) {
	defer close(out)

	runner, err := a.pool.Acquire(ctx, resumeSessionID)
	if err != nil {
		out <- Result{Err: fmt.Errorf("acquire runner: %w", err)}
		return
	}

	sessionID := resumeSessionID
	retried := false

	for {
		learnedSession, retryable, execErr := a.runOnce(ctx, runner, prompt, sessionID, getIntervention, onInterventionSent, out)
		if learnedSession != "" {
			sessionID = learnedSession
		}
		if execErr != nil && retryable && !retried {
			retried = true
			slog.Info("engine adapter retrying once after transient session failure", "container_id", runner.ContainerID)
			sessionID = "" // drop resume, retry fresh
			continue
		}
		if execErr != nil {
			out <- Result{Err: execErr}
		}
		break
	}

	a.pool.Release(runner, sessionID)
}

// runOnce drives a single exec attempt against runner. It returns the
// session id learned (if any), whether the failure (if any) is the
// transient "session not found" kind eligible for one retry, and the
// terminal error (if any).
func (a *Adapter) runOnce(
	ctx context.Context,
	runner *runnerpool.Runner,
	prompt string,
	sessionID string,
	getIntervention GetInterventionFunc,
	onInterventionSent OnInterventionSentFunc,
	out chan<- Result,
) (learnedSession string, retryable bool, err error) {
	stdin, stdout, err := a.transport.Start(ctx, runner.ContainerID)
	if err != nil {
		return "", false, fmt.Errorf("start runner: %w", err)
	}
	defer stdout.Close()
	defer stdin.Close()

	if err := writePrompt(stdin, prompt, sessionID); err != nil {
		return "", false, fmt.Errorf("send prompt: %w", err)
	}

	tail := newTailBuffer(a.tailSize)
	tee := io.TeeReader(stdout, tail)
	scanner := bufio.NewScanner(tee)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var cardID string
	interventionTicker := time.NewTicker(200 * time.Millisecond)
	defer interventionTicker.Stop()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled, so the interrupt itself must run on
			// a fresh context — spec.md:132 requires that aborting the
			// adapter also interrupts its runner, the same as the
			// intervention branch below does before resuming with a new
			// prompt, so the container's in-flight generation doesn't keep
			// running after the runner is released back to the pool.
			interruptCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.transport.Interrupt(interruptCtx, runner.ContainerID); err != nil {
				slog.Warn("failed to interrupt runner on cancellation", "container_id", runner.ContainerID, "error", err)
			}
			cancel()
			return learnedSession, false, ctx.Err()

		case <-interventionTicker.C:
			if getIntervention == nil {
				continue
			}
			if interv, ok := getIntervention(); ok {
				if err := a.transport.Interrupt(ctx, runner.ContainerID); err != nil {
					slog.Warn("failed to interrupt runner before intervention", "container_id", runner.ContainerID, "error", err)
				}
				if err := writeIntervention(stdin, interv); err != nil {
					slog.Warn("failed to send intervention to runner", "container_id", runner.ContainerID, "error", err)
					continue
				}
				if onInterventionSent != nil {
					onInterventionSent(interv)
				}
				out <- Result{Event: domain.NewEvent(domain.EventInterventionSent, map[string]any{
					"user": interv.User,
					"text": interv.Text,
				})}
			}

		case line, ok := <-lines:
			if !ok {
				if tailLooksTransient(tail.String()) {
					return learnedSession, true, fmt.Errorf("transient runner failure: %s", transientNotFoundHint)
				}
				return learnedSession, false, nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			event, newCardID, evErr := decodeWireEvent(line, cardID)
			if evErr != nil {
				slog.Warn("failed to decode engine event line", "error", evErr)
				continue
			}
			cardID = newCardID
			if event.Type == domain.EventSession {
				if sid, ok := event.Payload["session_id"].(string); ok {
					learnedSession = sid
				}
			}
			out <- Result{Event: event}

		case sErr := <-scanErr:
			if sErr != nil {
				if tailLooksTransient(tail.String()) {
					return learnedSession, true, fmt.Errorf("runner stream error: %w", sErr)
				}
				return learnedSession, false, fmt.Errorf("runner stream error: %w", sErr)
			}
		}
	}
}

func tailLooksTransient(tail string) bool {
	return strings.Contains(strings.ToLower(tail), transientNotFoundHint)
}

type promptMessage struct {
	Prompt          string `json:"prompt"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

func writePrompt(w io.Writer, prompt, resumeSessionID string) error {
	data, err := json.Marshal(promptMessage{Prompt: prompt, ResumeSessionID: resumeSessionID})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

type interventionMessage struct {
	Intervention domain.Intervention `json:"intervention"`
}

func writeIntervention(w io.Writer, interv domain.Intervention) error {
	data, err := json.Marshal(interventionMessage{Intervention: interv})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// decodeWireEvent decodes one newline-delimited JSON engine-event record
// into a domain.Event. For text_start it mints a new 8-character card id;
// text_delta/text_end/tool_* carry the current card id forward unless the
// wire record supplies its own.
func decodeWireEvent(line string, currentCardID string) (domain.Event, string, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return domain.Event{}, currentCardID, fmt.Errorf("unmarshal engine event: %w", err)
	}
	typeVal, _ := raw["type"].(string)
	if typeVal == "" {
		return domain.Event{}, currentCardID, fmt.Errorf("engine event missing type: %s", line)
	}
	delete(raw, "type")

	cardID := currentCardID
	switch domain.EventType(typeVal) {
	case domain.EventTextStart:
		cardID = newCardID()
		raw["card_id"] = cardID
	case domain.EventTextDelta, domain.EventTextEnd, domain.EventToolStart, domain.EventToolResult:
		if _, has := raw["card_id"]; !has {
			raw["card_id"] = cardID
		} else if s, ok := raw["card_id"].(string); ok {
			cardID = s
		}
	}

	return domain.NewEvent(domain.EventType(typeVal), raw), cardID, nil
}

func newCardID() string {
	return uuid.NewString()[:8]
}
