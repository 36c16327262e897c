package session

import (
	"fmt"
	"strings"
	"time"
)

// Status is the persisted lifecycle state of a session. Transitions are
// monotonic: once a state is left it is never re-entered.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusProvisioning  Status = "PROVISIONING"
	StatusAwaitingReady Status = "AWAITING_READY"
	StatusSettingUp     Status = "SETTING_UP"
	StatusReady         Status = "READY"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusSetupFailed   Status = "SETUP_FAILED"
)

// Terminal reports whether no further status change is permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSetupFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from -> to.
// COMPLETED is reachable from any non-terminal state (user submit/cancel).
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCompleted {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusProvisioning
	case StatusProvisioning:
		return to == StatusAwaitingReady || to == StatusFailed
	case StatusAwaitingReady:
		return to == StatusSettingUp || to == StatusFailed
	case StatusSettingUp:
		return to == StatusReady || to == StatusFailed || to == StatusSetupFailed
	case StatusReady:
		return false
	}
	return false
}

// Session is one learner's lab run. The coordinator is the only writer of
// Status and the lifecycle timestamps.
type Session struct {
	ID               string
	UserID           string
	LabID            string
	Status           Status
	SandboxName      string
	Namespace        string
	PodRef           string
	CreatedAt        time.Time
	SetupStartedAt   *time.Time
	SetupCompletedAt *time.Time
	ExpiresAt        *time.Time
}

// New creates a PENDING session with derived sandbox identity.
func New(userID, labID string) *Session {
	id := newSessionID()
	return &Session{
		ID:          id,
		UserID:      userID,
		LabID:       labID,
		Status:      StatusPending,
		SandboxName: SandboxName(id),
		Namespace:   Namespace(id),
		CreatedAt:   time.Now().UTC(),
	}
}

// SandboxName derives the cluster-safe sandbox name for a session id. The
// name is a pure function of the id so that provisioning and cleanup stay
// idempotent across process restarts.
func SandboxName(sessionID string) string {
	return "sbx-" + sanitizeDNSLabel(sessionID)
}

// Namespace derives the isolation namespace for a session id.
func Namespace(sessionID string) string {
	return "kvlab-" + sanitizeDNSLabel(sessionID)
}

const maxDNSLabel = 63

func sanitizeDNSLabel(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > maxDNSLabel-6 {
		s = s[:maxDNSLabel-6]
	}
	if s == "" {
		s = fmt.Sprintf("s%d", time.Now().UTC().UnixNano())
	}
	return s
}
