package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Client is one connected live-progress subscriber. Implementations must be
// safe for concurrent sends.
type Client interface {
	// SendText pushes a raw text frame (countdown ticks).
	SendText(msg string) error
	// SendJSON pushes a structured frame.
	SendJSON(v any) error
	Close() error
}

// Frame is a structured event on the live-progress channel.
type Frame struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Frame types pushed to clients.
const (
	FrameTimeUp      = "TIME_UP"
	FrameSetupFailed = "SETUP_FAILED"
)

// ReadyInfo carries what the bridge needs when a sandbox becomes usable.
type ReadyInfo struct {
	SessionID   string
	SandboxName string
	Duration    time.Duration
}

// cellState is the per-session reconciliation state. Exactly one of the
// ready/connected arrivals observes the other already present and starts
// the countdown.
type cellState int

const (
	cellEmpty cellState = iota
	cellClientPending
	cellReadyPending
	cellTimerRunning
)

type cell struct {
	mu       sync.Mutex
	state    cellState
	client   Client
	ready    ReadyInfo
	cancel   context.CancelFunc
	remained time.Duration
}

// Bridge reconciles the asynchronous "sandbox ready" signal with client
// connects/disconnects, runs per-session countdowns, and fans out log
// events to subscribers. All entry points race from independent
// goroutines; transitions are check-and-set on the per-session cell, never
// a lock over the whole map.
type Bridge struct {
	Logger *log.Logger

	// Tick overrides the countdown tick interval in tests. Zero means 1s.
	Tick time.Duration

	cells sync.Map // sessionID -> *cell

	subMu sync.RWMutex
	subs  map[string]map[Client]struct{} // sandboxName -> clients
}

func New(logger *log.Logger) *Bridge {
	return &Bridge{
		Logger: logger,
		subs:   make(map[string]map[Client]struct{}),
	}
}

func (b *Bridge) tick() time.Duration {
	if b.Tick > 0 {
		return b.Tick
	}
	return time.Second
}

func (b *Bridge) cell(sessionID string) *cell {
	v, _ := b.cells.LoadOrStore(sessionID, &cell{})
	return v.(*cell)
}

// OnClientConnected registers a live-progress client. If the sandbox is
// already ready and waiting, the countdown starts immediately; otherwise
// the client is parked until OnSandboxReady fires.
func (b *Bridge) OnClientConnected(sessionID string, client Client) {
	c := b.cell(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case cellEmpty:
		c.state = cellClientPending
		c.client = client
	case cellClientPending, cellTimerRunning:
		// A reconnect replaces the previous client; the running countdown
		// keeps ticking against the new one.
		if c.client != nil && c.client != client {
			_ = c.client.Close()
		}
		c.client = client
	case cellReadyPending:
		c.client = client
		b.startCountdownLocked(sessionID, c)
	}
}

// OnSandboxReady records that the sandbox became usable. If a client is
// already waiting the countdown starts now; otherwise the readiness is
// parked for a future connection. Repeated calls are no-ops: the countdown
// starts exactly once.
func (b *Bridge) OnSandboxReady(info ReadyInfo) {
	c := b.cell(info.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case cellEmpty:
		c.state = cellReadyPending
		c.ready = info
	case cellClientPending:
		c.ready = info
		b.startCountdownLocked(info.SessionID, c)
	case cellReadyPending, cellTimerRunning:
		// Already accounted for.
	}
}

// OnClientDisconnected cancels any running countdown and clears all bridge
// state for the session. A disconnect from a client that was already
// replaced by a reconnect leaves the new client's state untouched.
func (b *Bridge) OnClientDisconnected(sessionID string, client Client) {
	v, ok := b.cells.Load(sessionID)
	if !ok {
		return
	}
	c := v.(*cell)
	c.mu.Lock()
	if client != nil && c.client != nil && c.client != client {
		c.mu.Unlock()
		b.dropSubscriber(client)
		return
	}
	b.cells.Delete(sessionID)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	current := c.client
	c.client = nil
	c.state = cellEmpty
	c.mu.Unlock()

	if current != nil {
		b.dropSubscriber(current)
	}
}

// OnSetupFailed pushes a failure notice to a pending client (if any),
// closes it, and clears the session's bridge state.
func (b *Bridge) OnSetupFailed(sessionID, reason string) {
	v, ok := b.cells.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	c := v.(*cell)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	client := c.client
	c.client = nil
	c.state = cellEmpty
	c.mu.Unlock()

	if client != nil {
		_ = client.SendJSON(Frame{
			Type:      FrameSetupFailed,
			Message:   reason,
			Timestamp: time.Now().UTC(),
		})
		_ = client.Close()
		b.dropSubscriber(client)
	}
	if b.Logger != nil {
		b.Logger.Warn("setup failed notice delivered", "session_id", sessionID, "reason", reason)
	}
}

// startCountdownLocked transitions the cell to timerRunning and launches
// the ticker goroutine. Caller holds c.mu.
func (b *Bridge) startCountdownLocked(sessionID string, c *cell) {
	ctx, cancel := context.WithCancel(context.Background())
	c.state = cellTimerRunning
	c.cancel = cancel
	c.remained = c.ready.Duration
	go b.runCountdown(ctx, sessionID, c)

	if b.Logger != nil {
		b.Logger.Info("countdown started",
			"session_id", sessionID,
			"sandbox", c.ready.SandboxName,
			"duration", c.ready.Duration,
		)
	}
}

// runCountdown sends a remaining-time frame once per tick and a terminal
// TIME_UP frame at zero.
func (b *Bridge) runCountdown(ctx context.Context, sessionID string, c *cell) {
	ticker := time.NewTicker(b.tick())
	defer ticker.Stop()

	for {
		c.mu.Lock()
		client := c.client
		remaining := c.remained
		c.mu.Unlock()

		if client != nil {
			if remaining <= 0 {
				_ = client.SendJSON(Frame{
					Type:      FrameTimeUp,
					Message:   "lab time has expired",
					Timestamp: time.Now().UTC(),
				})
			} else if err := client.SendText(FormatRemaining(remaining)); err != nil && b.Logger != nil {
				b.Logger.Debug("countdown send failed", "session_id", sessionID, "err", err)
			}
		}
		if remaining <= 0 {
			b.cells.Delete(sessionID)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.remained -= b.tick()
			c.mu.Unlock()
		}
	}
}

// FormatRemaining renders a countdown frame as MM:SS.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// Subscribe adds a client to the log fan-out for a sandbox.
func (b *Bridge) Subscribe(sandboxName string, client Client) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	set, ok := b.subs[sandboxName]
	if !ok {
		set = make(map[Client]struct{})
		b.subs[sandboxName] = set
	}
	set[client] = struct{}{}
}

// Unsubscribe removes a client from a sandbox's fan-out set.
func (b *Bridge) Unsubscribe(sandboxName string, client Client) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if set, ok := b.subs[sandboxName]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(b.subs, sandboxName)
		}
	}
}

// BroadcastLog fans a structured event out to every subscriber of the
// sandbox. A client whose send fails is treated as disconnected and
// dropped, not retried.
func (b *Bridge) BroadcastLog(sandboxName, eventType, message string) {
	frame := Frame{
		Type:      eventType,
		Message:   message,
		Data:      map[string]any{"sandbox": sandboxName},
		Timestamp: time.Now().UTC(),
	}

	b.subMu.RLock()
	targets := make([]Client, 0, len(b.subs[sandboxName]))
	for client := range b.subs[sandboxName] {
		targets = append(targets, client)
	}
	b.subMu.RUnlock()

	for _, client := range targets {
		if err := client.SendJSON(frame); err != nil {
			b.Unsubscribe(sandboxName, client)
			_ = client.Close()
			if b.Logger != nil {
				b.Logger.Debug("dropped dead subscriber", "sandbox", sandboxName, "err", err)
			}
		}
	}
}

func (b *Bridge) dropSubscriber(client Client) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for name, set := range b.subs {
		if _, ok := set[client]; ok {
			delete(set, client)
			if len(set) == 0 {
				delete(b.subs, name)
			}
		}
	}
}
