package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingClient captures frames; optionally fails every send.
type recordingClient struct {
	mu     sync.Mutex
	texts  []string
	frames []Frame
	closed bool
	fail   bool
}

func (c *recordingClient) SendText(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send failed")
	}
	c.texts = append(c.texts, msg)
	return nil
}

func (c *recordingClient) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("send failed")
	}
	if f, ok := v.(Frame); ok {
		c.frames = append(c.frames, f)
	}
	return nil
}

func (c *recordingClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingClient) textCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.texts)
}

func (c *recordingClient) frameTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		types = append(types, f.Type)
	}
	return types
}

func (c *recordingClient) firstText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.texts) == 0 {
		return ""
	}
	return c.texts[0]
}

func waitFor(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testReady(sessionID string, d time.Duration) ReadyInfo {
	return ReadyInfo{SessionID: sessionID, SandboxName: "sbx-" + sessionID, Duration: d}
}

func TestCountdownStartsWhenReadyArrivesSecond(t *testing.T) {
	b := New(nil)
	b.Tick = time.Millisecond

	client := &recordingClient{}
	b.OnClientConnected("ses-1", client)
	b.OnSandboxReady(testReady("ses-1", 5*time.Second))

	waitFor(t, "first countdown tick", func() bool { return client.textCount() > 0 })
	if got := client.firstText(); got != "00:05" {
		t.Fatalf("expected first tick 00:05, got %q", got)
	}
}

func TestCountdownStartsWhenClientArrivesSecond(t *testing.T) {
	b := New(nil)
	b.Tick = time.Millisecond

	b.OnSandboxReady(testReady("ses-1", 5*time.Second))
	client := &recordingClient{}
	b.OnClientConnected("ses-1", client)

	waitFor(t, "first countdown tick", func() bool { return client.textCount() > 0 })
	if got := client.firstText(); got != "00:05" {
		t.Fatalf("expected first tick 00:05, got %q", got)
	}
}

func TestCountdownStartsExactlyOnce(t *testing.T) {
	b := New(nil)
	b.Tick = 50 * time.Millisecond

	client := &recordingClient{}
	b.OnClientConnected("ses-1", client)
	b.OnSandboxReady(testReady("ses-1", time.Hour))
	// Duplicate ready signals must not spawn a second timer.
	b.OnSandboxReady(testReady("ses-1", time.Hour))
	b.OnSandboxReady(testReady("ses-1", time.Hour))

	waitFor(t, "a tick", func() bool { return client.textCount() >= 1 })
	base := client.textCount()
	time.Sleep(120 * time.Millisecond)
	got := client.textCount()
	// One timer produces at most ~3 more ticks in 120ms at 50ms cadence;
	// a duplicated timer would double that.
	if got-base > 4 {
		t.Fatalf("tick rate suggests more than one countdown: %d new ticks", got-base)
	}
}

func TestCountdownReachesTimeUp(t *testing.T) {
	b := New(nil)
	b.Tick = time.Millisecond

	client := &recordingClient{}
	b.OnSandboxReady(testReady("ses-1", 3*time.Millisecond))
	b.OnClientConnected("ses-1", client)

	waitFor(t, "TIME_UP frame", func() bool {
		for _, typ := range client.frameTypes() {
			if typ == FrameTimeUp {
				return true
			}
		}
		return false
	})

	// Cell is cleared; a later ready signal for the same session would be
	// a fresh state machine.
	if _, ok := b.cells.Load("ses-1"); ok {
		t.Fatal("expected cell cleared after TIME_UP")
	}
}

func TestDisconnectCancelsCountdown(t *testing.T) {
	b := New(nil)
	b.Tick = 5 * time.Millisecond

	client := &recordingClient{}
	b.OnClientConnected("ses-1", client)
	b.OnSandboxReady(testReady("ses-1", time.Hour))
	waitFor(t, "a tick", func() bool { return client.textCount() >= 1 })

	b.OnClientDisconnected("ses-1", client)
	base := client.textCount()
	time.Sleep(50 * time.Millisecond)
	if client.textCount() > base+1 {
		t.Fatalf("countdown kept ticking after disconnect: %d -> %d", base, client.textCount())
	}
}

func TestOnSetupFailedNotifiesAndCloses(t *testing.T) {
	b := New(nil)

	client := &recordingClient{}
	b.OnClientConnected("ses-1", client)
	b.OnSetupFailed("ses-1", "step 2 failed")

	types := client.frameTypes()
	if len(types) != 1 || types[0] != FrameSetupFailed {
		t.Fatalf("expected one SETUP_FAILED frame, got %v", types)
	}
	if !client.closed {
		t.Fatal("expected client closed after setup failure")
	}
}

func TestOnSetupFailedWithoutClientClearsState(t *testing.T) {
	b := New(nil)
	b.OnSandboxReady(testReady("ses-1", time.Hour))
	b.OnSetupFailed("ses-1", "provisioning failed")
	if _, ok := b.cells.Load("ses-1"); ok {
		t.Fatal("expected cell cleared")
	}
}

func TestBroadcastLogFansOutAndDropsDeadClients(t *testing.T) {
	b := New(nil)

	alive := &recordingClient{}
	dead := &recordingClient{fail: true}
	b.Subscribe("sbx-1", alive)
	b.Subscribe("sbx-1", dead)
	b.Subscribe("sbx-2", &recordingClient{})

	b.BroadcastLog("sbx-1", "PROVISIONING", "creating namespace")

	if len(alive.frameTypes()) != 1 {
		t.Fatalf("alive client should receive 1 frame, got %d", len(alive.frameTypes()))
	}
	if !dead.closed {
		t.Fatal("dead client should be closed after send failure")
	}

	// Second broadcast must not reach the dropped client.
	b.BroadcastLog("sbx-1", "PROVISIONING", "creating volume")
	if len(alive.frameTypes()) != 2 {
		t.Fatalf("alive client should receive 2 frames, got %d", len(alive.frameTypes()))
	}
}

func TestFormatRemaining(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00"},
		{59 * time.Second, "00:59"},
		{time.Minute, "01:00"},
		{45*time.Minute + 7*time.Second, "45:07"},
		{-3 * time.Second, "00:00"},
	}
	for _, tc := range cases {
		if got := FormatRemaining(tc.d); got != tc.want {
			t.Errorf("FormatRemaining(%s) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestReconnectReplacesClient(t *testing.T) {
	b := New(nil)
	b.Tick = time.Millisecond

	first := &recordingClient{}
	b.OnClientConnected("ses-1", first)
	second := &recordingClient{}
	b.OnClientConnected("ses-1", second)

	if !first.closed {
		t.Fatal("expected first client closed on reconnect")
	}

	b.OnSandboxReady(testReady("ses-1", 5*time.Second))
	waitFor(t, "tick on second client", func() bool { return second.textCount() > 0 })
	if first.textCount() != 0 {
		t.Fatal("replaced client must not receive ticks")
	}
}

func TestStaleDisconnectLeavesReconnectedClientRunning(t *testing.T) {
	b := New(nil)
	b.Tick = time.Millisecond

	first := &recordingClient{}
	b.OnClientConnected("ses-1", first)
	second := &recordingClient{}
	b.OnClientConnected("ses-1", second)
	b.OnSandboxReady(testReady("ses-1", time.Hour))
	waitFor(t, "tick on second client", func() bool { return second.textCount() > 0 })

	// The first connection's teardown races in after the replacement.
	b.OnClientDisconnected("ses-1", first)

	base := second.textCount()
	waitFor(t, "countdown still ticking", func() bool { return second.textCount() > base })
	if _, ok := b.cells.Load("ses-1"); !ok {
		t.Fatal("cell cleared by stale disconnect")
	}
}
