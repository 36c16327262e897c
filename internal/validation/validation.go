// Package validation answers lab questions by probing the learner's live
// sandbox: each question carries a check command whose exit status decides
// whether the expected state was achieved.
package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kvlab/kvlab/internal/cluster"
	"github.com/kvlab/kvlab/internal/labspec"
	"github.com/kvlab/kvlab/internal/remoteshell"
	"github.com/kvlab/kvlab/internal/session"
)

var (
	// ErrNotCheckable marks questions with no check command; they can only
	// be reviewed by a human.
	ErrNotCheckable = errors.New("question has no check command")

	// ErrSessionNotReady is returned when the sandbox is not in a state
	// that can be probed.
	ErrSessionNotReady = errors.New("session is not ready")
)

// checkTimeout bounds one check command on the sandbox.
const checkTimeout = 30 * time.Second

// Endpoints resolves the reachable address of a sandbox.
type Endpoints interface {
	Endpoint(ctx context.Context, sandboxName, namespace string, mode cluster.AddressMode) (string, int, error)
}

// Sessions is the session lookup the validator needs.
type Sessions interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// Catalog resolves lab definitions.
type Catalog interface {
	Lab(id string) (labspec.Lab, bool)
}

// Result is the outcome of one question check.
type Result struct {
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
	Passed     bool   `json:"passed"`
	Output     string `json:"output,omitempty"`
}

// Validator runs question checks against live sandboxes.
type Validator struct {
	Store       Sessions
	Catalog     Catalog
	Endpoints   Endpoints
	Runner      remoteshell.Runner
	AddressMode cluster.AddressMode
	SSH         remoteshell.ConnDetails
	Logger      *log.Logger
}

// Validate runs the question's check command on the session's sandbox.
// A zero exit status means the question passed. Connection and command
// failures are reported as a failed check rather than an error: a learner
// who broke the sandbox's networking has, for grading purposes, not met
// the expected state.
func (v *Validator) Validate(ctx context.Context, sessionID, questionID string) (Result, error) {
	res := Result{SessionID: sessionID, QuestionID: questionID}

	sess, err := v.Store.Get(ctx, sessionID)
	if err != nil {
		return res, err
	}
	if sess.Status != session.StatusReady {
		return res, fmt.Errorf("%w: session %s is %s", ErrSessionNotReady, sessionID, sess.Status)
	}

	lab, ok := v.Catalog.Lab(sess.LabID)
	if !ok {
		return res, fmt.Errorf("unknown lab %q", sess.LabID)
	}
	question, ok := lab.Question(questionID)
	if !ok {
		return res, fmt.Errorf("lab %q has no question %q", sess.LabID, questionID)
	}
	if strings.TrimSpace(question.CheckCommand) == "" {
		return res, fmt.Errorf("%w: %s", ErrNotCheckable, questionID)
	}

	host, port, err := v.Endpoints.Endpoint(ctx, sess.SandboxName, sess.Namespace, v.AddressMode)
	if err != nil {
		if v.Logger != nil {
			v.Logger.Warn("endpoint resolution failed during validation", "session_id", sessionID, "err", err)
		}
		res.Output = err.Error()
		return res, nil
	}

	conn := v.SSH
	conn.Host = host
	conn.Port = port

	out, err := v.Runner.Run(ctx, conn, question.CheckCommand, checkTimeout)
	if err != nil {
		if v.Logger != nil {
			v.Logger.Warn("check command did not complete", "session_id", sessionID, "question_id", questionID, "err", err)
		}
		res.Output = strings.TrimSpace(out.Stdout + out.Stderr)
		return res, nil
	}

	res.Passed = out.ExitCode == 0
	res.Output = strings.TrimSpace(out.Stdout + out.Stderr)
	if v.Logger != nil {
		v.Logger.Info("question validated",
			"session_id", sessionID,
			"question_id", questionID,
			"passed", res.Passed,
			"exit_code", out.ExitCode,
		)
	}
	return res, nil
}
