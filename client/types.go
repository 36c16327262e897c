package client

import "time"

// Session is one learner's lab run as reported by the service.
type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	LabID            string     `json:"lab_id"`
	Status           string     `json:"status"`
	SandboxName      string     `json:"sandbox_name"`
	Namespace        string     `json:"namespace"`
	PodRef           string     `json:"pod_ref,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	SetupStartedAt   *time.Time `json:"setup_started_at,omitempty"`
	SetupCompletedAt *time.Time `json:"setup_completed_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// LabSummary describes one lab available in the catalog.
type LabSummary struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	DurationMinutes int    `json:"duration_minutes"`
	Questions       int    `json:"questions"`
}

// ExecutionLogEntry is one recorded setup step attempt.
type ExecutionLogEntry struct {
	StepOrder  int       `json:"step_order"`
	StepTitle  string    `json:"step_title"`
	Command    string    `json:"command"`
	ExitCode   int       `json:"exit_code"`
	Output     string    `json:"output,omitempty"`
	Outcome    string    `json:"outcome"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ValidationResult is the verdict of one question check.
type ValidationResult struct {
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
	Passed     bool   `json:"passed"`
	Output     string `json:"output,omitempty"`
}

// Frame is a structured event on the progress stream.
type Frame struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProgressMessage is one message from the progress stream: either a raw
// countdown tick (Text set, Frame nil) or a structured frame.
type ProgressMessage struct {
	Text  string
	Frame *Frame
}
