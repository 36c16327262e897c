package labspec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Lab is a read-only lab definition. Labs are authored out-of-band and
// loaded at startup; nothing in this process mutates them.
type Lab struct {
	ID              string         `yaml:"id"`
	Title           string         `yaml:"title"`
	DurationMinutes int            `yaml:"duration_minutes"`
	Profile         ComputeProfile `yaml:"profile"`
	Steps           []SetupStep    `yaml:"steps"`
	Questions       []Question     `yaml:"questions"`
}

// ComputeProfile sizes the sandbox VM. Immutable once a session starts.
type ComputeProfile struct {
	CPUCores   int64  `yaml:"cpu_cores"`
	MemoryMiB  int64  `yaml:"memory_mib"`
	StorageGiB int64  `yaml:"storage_gib"`
	BaseImage  string `yaml:"base_image"`
}

// SetupStep is one declarative command run during sandbox initialization.
// Order is the sole execution contract: steps run strictly by Order, never
// in parallel.
type SetupStep struct {
	Order             int    `yaml:"order"`
	Title             string `yaml:"title"`
	Command           string `yaml:"command"`
	ExpectedExitCode  int    `yaml:"expected_exit_code"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	RetryCount        int    `yaml:"retry_count"`
	ContinueOnFailure bool   `yaml:"continue_on_failure"`
}

// Question is a gradable prompt. A question without a CheckCommand cannot
// be validated automatically.
type Question struct {
	ID           string `yaml:"id"`
	Prompt       string `yaml:"prompt"`
	CheckCommand string `yaml:"check_command"`
}

const (
	defaultStepTimeoutSeconds = 60
	defaultDurationMinutes    = 60
)

// Validate normalizes defaults and checks the lab definition. Step orders
// must be unique and contiguous starting at 1.
func (l *Lab) Validate() error {
	if strings.TrimSpace(l.ID) == "" {
		return errors.New("lab missing required field: id")
	}
	if strings.TrimSpace(l.Title) == "" {
		return fmt.Errorf("lab %s missing required field: title", l.ID)
	}
	if l.DurationMinutes <= 0 {
		l.DurationMinutes = defaultDurationMinutes
	}
	if l.Profile.CPUCores <= 0 {
		l.Profile.CPUCores = 1
	}
	if l.Profile.MemoryMiB <= 0 {
		l.Profile.MemoryMiB = 1024
	}
	if l.Profile.StorageGiB <= 0 {
		l.Profile.StorageGiB = 5
	}
	if strings.TrimSpace(l.Profile.BaseImage) == "" {
		return fmt.Errorf("lab %s missing required field: profile.base_image", l.ID)
	}

	sort.SliceStable(l.Steps, func(i, j int) bool {
		return l.Steps[i].Order < l.Steps[j].Order
	})
	for i := range l.Steps {
		step := &l.Steps[i]
		if step.Order != i+1 {
			return fmt.Errorf("lab %s: step orders must be contiguous starting at 1, got %d at position %d", l.ID, step.Order, i+1)
		}
		if strings.TrimSpace(step.Command) == "" {
			return fmt.Errorf("lab %s: step %d has an empty command", l.ID, step.Order)
		}
		if step.TimeoutSeconds <= 0 {
			step.TimeoutSeconds = defaultStepTimeoutSeconds
		}
		if step.RetryCount < 0 {
			return fmt.Errorf("lab %s: step %d has negative retry_count", l.ID, step.Order)
		}
	}

	seen := make(map[string]struct{}, len(l.Questions))
	for _, q := range l.Questions {
		if strings.TrimSpace(q.ID) == "" {
			return fmt.Errorf("lab %s: question missing required field: id", l.ID)
		}
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("lab %s: duplicate question id %q", l.ID, q.ID)
		}
		seen[q.ID] = struct{}{}
	}
	return nil
}

// Question returns the question with the given id.
func (l *Lab) Question(id string) (Question, bool) {
	for _, q := range l.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}
