package setup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kvlab/kvlab/internal/labspec"
	"github.com/kvlab/kvlab/internal/remoteshell"
)

// Outcome of one attempted step.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
)

// LogEntry records one attempted step. Entries are produced once and never
// mutated afterwards.
type LogEntry struct {
	SessionID  string
	StepOrder  int
	StepTitle  string
	Command    string
	ExitCode   int
	Output     string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
}

// Sink receives each log entry as it is produced. Persistence is best
// effort; a failing sink does not abort the run.
type Sink func(entry LogEntry)

// Broadcaster pushes human-readable step progress to connected clients.
type Broadcaster func(eventType, message string)

// Executor runs a lab's setup steps strictly in order over the remote
// shell, applying each step's retry/timeout/continue-on-failure policy.
type Executor struct {
	Runner remoteshell.Runner
	Logger *log.Logger

	// RetryPause separates retry attempts after a connection failure.
	// Zero means 2s.
	RetryPause time.Duration

	now func() time.Time
}

func (e *Executor) retryPause() time.Duration {
	if e.RetryPause > 0 {
		return e.RetryPause
	}
	return 2 * time.Second
}

func (e *Executor) clock() func() time.Time {
	if e.now != nil {
		return e.now
	}
	return time.Now
}

// Run executes steps sorted by Order. A step whose exit code mismatches its
// expectation is logged FAILED; unless it is marked continue-on-failure the
// run halts there and the overall result is failure. Connection failures are
// retried up to the step's RetryCount before the step counts as failed.
func (e *Executor) Run(ctx context.Context, sessionID string, conn remoteshell.ConnDetails, steps []labspec.SetupStep, sink Sink, broadcast Broadcaster) (bool, []LogEntry) {
	ordered := make([]labspec.SetupStep, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	entries := make([]LogEntry, 0, len(ordered))
	overall := true

	for i, step := range ordered {
		if ctx.Err() != nil {
			return false, entries
		}
		if broadcast != nil {
			broadcast("SETUP_STEP", fmt.Sprintf("step %d/%d: %s", i+1, len(ordered), step.Title))
		}

		entry := e.runStep(ctx, sessionID, conn, step)
		entries = append(entries, entry)
		if sink != nil {
			sink(entry)
		}

		if entry.Outcome == OutcomeSuccess {
			continue
		}
		if broadcast != nil {
			broadcast("SETUP_STEP_FAILED", fmt.Sprintf("step %d failed: %s", step.Order, step.Title))
		}
		if !step.ContinueOnFailure {
			// Terminating condition: remaining steps never run.
			overall = false
			break
		}
	}

	if e.Logger != nil {
		e.Logger.Info("setup run finished",
			"session_id", sessionID,
			"steps_attempted", len(entries),
			"success", overall,
		)
	}
	return overall, entries
}

func (e *Executor) runStep(ctx context.Context, sessionID string, conn remoteshell.ConnDetails, step labspec.SetupStep) LogEntry {
	now := e.clock()
	entry := LogEntry{
		SessionID: sessionID,
		StepOrder: step.Order,
		StepTitle: step.Title,
		Command:   step.Command,
		StartedAt: now().UTC(),
	}

	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	attempts := step.RetryCount + 1

	var res remoteshell.Result
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err = e.Runner.Run(ctx, conn, step.Command, timeout)
		if err == nil {
			break
		}
		// Only connection-level failures are worth retrying; a timed-out
		// or otherwise failed command already consumed its budget.
		if !errors.Is(err, remoteshell.ErrRemoteConnection) || attempt == attempts {
			break
		}
		if e.Logger != nil {
			e.Logger.Warn("step attempt failed, retrying",
				"session_id", sessionID,
				"step", step.Order,
				"attempt", attempt,
				"err", err,
			)
		}
		select {
		case <-ctx.Done():
			attempt = attempts
		case <-time.After(e.retryPause()):
		}
	}

	entry.FinishedAt = now().UTC()
	if err != nil {
		entry.ExitCode = -1
		entry.Output = err.Error()
		entry.Outcome = OutcomeFailed
		return entry
	}

	entry.ExitCode = res.ExitCode
	entry.Output = combineOutput(res)
	if res.ExitCode == step.ExpectedExitCode {
		entry.Outcome = OutcomeSuccess
	} else {
		entry.Outcome = OutcomeFailed
	}
	return entry
}

func combineOutput(res remoteshell.Result) string {
	if res.Stderr == "" {
		return res.Stdout
	}
	if res.Stdout == "" {
		return res.Stderr
	}
	return res.Stdout + res.Stderr
}
