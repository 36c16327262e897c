package session

import (
	"errors"
	"strings"
	"testing"
)

func TestStatusMachine(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusProvisioning},
		{StatusProvisioning, StatusAwaitingReady},
		{StatusProvisioning, StatusFailed},
		{StatusAwaitingReady, StatusSettingUp},
		{StatusAwaitingReady, StatusFailed},
		{StatusSettingUp, StatusReady},
		{StatusSettingUp, StatusFailed},
		{StatusSettingUp, StatusSetupFailed},
		{StatusPending, StatusCompleted},
		{StatusReady, StatusCompleted},
		{StatusSettingUp, StatusCompleted},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusCompleted, StatusReady},
		{StatusCompleted, StatusCompleted},
		{StatusFailed, StatusCompleted},
		{StatusSetupFailed, StatusPending},
		{StatusReady, StatusSettingUp},
		{StatusPending, StatusReady},
		{StatusAwaitingReady, StatusProvisioning},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, status := range []Status{StatusCompleted, StatusFailed, StatusSetupFailed} {
		if !status.Terminal() {
			t.Errorf("expected %s to be terminal", status)
		}
	}
	for _, status := range []Status{StatusPending, StatusProvisioning, StatusAwaitingReady, StatusSettingUp, StatusReady} {
		if status.Terminal() {
			t.Errorf("expected %s to be non-terminal", status)
		}
	}
}

func TestSandboxNameIsDeterministic(t *testing.T) {
	a := SandboxName("ses_01h455vb4pex5vsknk084sn02q")
	b := SandboxName("ses_01h455vb4pex5vsknk084sn02q")
	if a != b {
		t.Fatalf("sandbox name not deterministic: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "sbx-") {
		t.Fatalf("unexpected sandbox name %q", a)
	}
	if strings.ContainsAny(a, "_.") || a != strings.ToLower(a) {
		t.Fatalf("sandbox name %q is not a DNS label", a)
	}
	if len(a) > 63 {
		t.Fatalf("sandbox name %q exceeds DNS label length", a)
	}
}

func TestNewSessionDerivesIdentity(t *testing.T) {
	sess := New("user-1", "linux-101")
	if sess.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", sess.Status)
	}
	if sess.SandboxName != SandboxName(sess.ID) {
		t.Fatalf("sandbox name %q not derived from id %q", sess.SandboxName, sess.ID)
	}
	if sess.Namespace != Namespace(sess.ID) {
		t.Fatalf("namespace %q not derived from id %q", sess.Namespace, sess.ID)
	}
}

func TestNewIDFallsBackWhenTypeIDFails(t *testing.T) {
	orig := generateTypeID
	generateTypeID = func(string) (string, error) {
		return "", errors.New("boom")
	}
	defer func() { generateTypeID = orig }()

	id := newSessionID()
	if !strings.HasPrefix(id, "ses-") {
		t.Fatalf("expected fallback id with ses- prefix, got %q", id)
	}
}
