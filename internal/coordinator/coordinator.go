package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kvlab/kvlab/internal/bridge"
	"github.com/kvlab/kvlab/internal/cluster"
	"github.com/kvlab/kvlab/internal/labspec"
	"github.com/kvlab/kvlab/internal/remoteshell"
	"github.com/kvlab/kvlab/internal/session"
	"github.com/kvlab/kvlab/internal/setup"
)

// Mode selects the provisioning topology. In-process is authoritative;
// bus mode delegates Provision/AwaitReady to an external executor that
// signals readiness back over the message bus.
type Mode string

const (
	ModeInProcess Mode = "in-process"
	ModeBus       Mode = "bus"
)

// Provisioner creates and deletes the cluster objects of one sandbox.
type Provisioner interface {
	Provision(ctx context.Context, profile labspec.ComputeProfile, sandboxName, namespace string) error
	Deprovision(ctx context.Context, sandboxName, namespace string)
}

// Waiter blocks until a sandbox is running and reachable.
type Waiter interface {
	AwaitRunning(ctx context.Context, sandboxName, namespace string, timeout time.Duration) (cluster.Handle, error)
	AwaitPortReachable(ctx context.Context, host string, port int, timeout time.Duration) error
	Endpoint(ctx context.Context, sandboxName, namespace string, mode cluster.AddressMode) (string, int, error)
}

// SetupRunner executes a lab's ordered setup steps.
type SetupRunner interface {
	Run(ctx context.Context, sessionID string, conn remoteshell.ConnDetails, steps []labspec.SetupStep, sink setup.Sink, broadcast setup.Broadcaster) (bool, []setup.LogEntry)
}

// Notifier is the bridge surface the coordinator drives.
type Notifier interface {
	OnSandboxReady(info bridge.ReadyInfo)
	OnSetupFailed(sessionID, reason string)
	BroadcastLog(sandboxName, eventType, message string)
}

// Store is the persisted session record; the coordinator is its only
// lifecycle-status writer.
type Store interface {
	Get(ctx context.Context, id string) (*session.Session, error)
	Transition(ctx context.Context, id string, from, to session.Status, upd session.TransitionUpdate) error
	ForceCompleted(ctx context.Context, id string) (session.Status, error)
	AppendExecutionLog(ctx context.Context, entry session.ExecutionLog) error
	ListNonTerminal(ctx context.Context) ([]*session.Session, error)
}

// Catalog resolves read-only lab definitions.
type Catalog interface {
	Lab(id string) (labspec.Lab, bool)
}

// CleanupPublisher requests asynchronous out-of-process cleanup (bus mode).
type CleanupPublisher interface {
	PublishCleanup(ctx context.Context, sessionID, sandboxName, namespace string) error
}

// ProvisionPublisher requests out-of-process provisioning (bus mode).
type ProvisionPublisher interface {
	PublishProvision(ctx context.Context, sessionID, sandboxName, namespace string) error
}

// SSHCredentials are applied to every sandbox's remote shell.
type SSHCredentials struct {
	User          string
	Password      string
	PrivateKeyPEM []byte
}

// Config carries the coordinator's policy knobs.
type Config struct {
	Mode             Mode
	AddressMode      cluster.AddressMode
	SSH              SSHCredentials
	RunningTimeout   time.Duration
	ReachableTimeout time.Duration
	// DeprovisionTimeout bounds each background cleanup.
	DeprovisionTimeout time.Duration
}

func (c Config) runningTimeout() time.Duration {
	if c.RunningTimeout > 0 {
		return c.RunningTimeout
	}
	return 5 * time.Minute
}

func (c Config) reachableTimeout() time.Duration {
	if c.ReachableTimeout > 0 {
		return c.ReachableTimeout
	}
	return 2 * time.Minute
}

func (c Config) deprovisionTimeout() time.Duration {
	if c.DeprovisionTimeout > 0 {
		return c.DeprovisionTimeout
	}
	return 2 * time.Minute
}

// Coordinator drives each session through
// Provision -> AwaitReady -> Setup -> Ready/Failed, persisting every
// transition and scheduling cleanup on all exits. Errors never escape a
// pipeline: every run ends in a terminal or semi-terminal status.
type Coordinator struct {
	Config      Config
	Provisioner Provisioner
	Waiter      Waiter
	Setup       SetupRunner
	Bridge      Notifier
	Store       Store
	Catalog     Catalog
	Logger      *log.Logger

	// Bus publishers, only consulted in ModeBus.
	CleanupBus   CleanupPublisher
	ProvisionBus ProvisionPublisher

	pool      *Pool
	active    sync.Map // sessionID -> context.CancelFunc
	cleanupWG sync.WaitGroup
}

// NewCoordinator wires a coordinator over a worker pool of the given size.
func NewCoordinator(cfg Config, workers int) *Coordinator {
	return &Coordinator{
		Config: cfg,
		pool:   NewPool(workers, 4*workers),
	}
}

// Close drains in-flight pipelines and background cleanups.
func (c *Coordinator) Close() {
	c.active.Range(func(_, v any) bool {
		v.(context.CancelFunc)()
		return true
	})
	c.pool.Shutdown()
	c.cleanupWG.Wait()
}

// Start launches the session pipeline in the background and returns
// immediately. Starting a session that already left PENDING is an
// idempotent no-op: only one provisioning attempt ever reaches the
// cluster.
func (c *Coordinator) Start(ctx context.Context, sessionID string) error {
	sess, err := c.Store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusPending {
		if c.Logger != nil {
			c.Logger.Debug("start ignored, session already dispatched", "session_id", sessionID, "status", sess.Status)
		}
		return nil
	}

	err = c.Store.Transition(ctx, sessionID, session.StatusPending, session.StatusProvisioning, session.TransitionUpdate{})
	if err != nil {
		if errors.Is(err, session.ErrStatusConflict) {
			// Lost the race with a concurrent Start; the winner owns the pipeline.
			return nil
		}
		return err
	}

	if c.Config.Mode == ModeBus && c.ProvisionBus != nil {
		if err := c.ProvisionBus.PublishProvision(ctx, sess.ID, sess.SandboxName, sess.Namespace); err != nil {
			c.failSession(context.Background(), sess, session.StatusProvisioning, fmt.Errorf("publish provision request: %w", err))
			return nil
		}
		return nil
	}

	if !c.pool.Submit(func() { c.runPipeline(sessionID) }) {
		c.failSession(context.Background(), sess, session.StatusProvisioning, errors.New("worker pool is shut down"))
	}
	return nil
}

// Submit forces a session to COMPLETED (the learner handed in the lab) and
// schedules cleanup. Only valid from non-terminal states.
func (c *Coordinator) Submit(ctx context.Context, sessionID string) error {
	return c.terminate(ctx, sessionID, "submitted")
}

// Cancel aborts a session from any non-COMPLETED state, interrupting an
// in-flight pipeline, and schedules cleanup.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) error {
	return c.terminate(ctx, sessionID, "cancelled")
}

func (c *Coordinator) terminate(ctx context.Context, sessionID, how string) error {
	sess, err := c.Store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	prior, err := c.Store.ForceCompleted(ctx, sessionID)
	if err != nil {
		return err
	}
	if cancel, ok := c.active.LoadAndDelete(sessionID); ok {
		cancel.(context.CancelFunc)()
	}
	if c.Logger != nil {
		c.Logger.Info("session "+how, "session_id", sessionID, "prior_status", prior)
	}
	c.scheduleDeprovision(sess)
	return nil
}

// runPipeline executes the full in-process flow. It never returns an
// error; all failures resolve to a persisted terminal status.
func (c *Coordinator) runPipeline(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.active.Store(sessionID, cancel)
	defer func() {
		cancel()
		c.active.Delete(sessionID)
	}()

	sess, err := c.Store.Get(ctx, sessionID)
	if err != nil {
		if c.Logger != nil {
			c.Logger.Error("pipeline could not load session", "session_id", sessionID, "err", err)
		}
		return
	}
	lab, ok := c.Catalog.Lab(sess.LabID)
	if !ok {
		c.failSession(ctx, sess, session.StatusProvisioning, fmt.Errorf("unknown lab %q", sess.LabID))
		return
	}

	c.Bridge.BroadcastLog(sess.SandboxName, "PROVISIONING", "allocating sandbox resources")
	if err := c.Provisioner.Provision(ctx, lab.Profile, sess.SandboxName, sess.Namespace); err != nil {
		c.failSession(ctx, sess, session.StatusProvisioning, fmt.Errorf("provision: %w", err))
		return
	}

	if err := c.Store.Transition(ctx, sessionID, session.StatusProvisioning, session.StatusAwaitingReady, session.TransitionUpdate{}); err != nil {
		c.abandon(sess, err)
		return
	}

	c.Bridge.BroadcastLog(sess.SandboxName, "AWAITING_READY", "waiting for sandbox to boot")
	handle, err := c.Waiter.AwaitRunning(ctx, sess.SandboxName, sess.Namespace, c.Config.runningTimeout())
	if err != nil {
		c.failSession(ctx, sess, session.StatusAwaitingReady, fmt.Errorf("await running: %w", err))
		return
	}

	host, port, err := c.Waiter.Endpoint(ctx, sess.SandboxName, sess.Namespace, c.Config.AddressMode)
	if err != nil {
		c.failSession(ctx, sess, session.StatusAwaitingReady, fmt.Errorf("resolve endpoint: %w", err))
		return
	}
	if err := c.Waiter.AwaitPortReachable(ctx, host, port, c.Config.reachableTimeout()); err != nil {
		c.failSession(ctx, sess, session.StatusAwaitingReady, fmt.Errorf("await port: %w", err))
		return
	}

	started := time.Now().UTC()
	err = c.Store.Transition(ctx, sessionID, session.StatusAwaitingReady, session.StatusSettingUp, session.TransitionUpdate{
		PodRef:         handle.PodRef,
		SetupStartedAt: &started,
	})
	if err != nil {
		c.abandon(sess, err)
		return
	}

	conn := remoteshell.ConnDetails{
		Host:          host,
		Port:          port,
		User:          c.Config.SSH.User,
		Password:      c.Config.SSH.Password,
		PrivateKeyPEM: c.Config.SSH.PrivateKeyPEM,
	}
	c.runSetupPhase(ctx, sess, lab, conn)
}

// runSetupPhase is shared by the in-process pipeline and the bus-delegated
// ready path: it runs the setup steps and resolves READY/SETUP_FAILED.
func (c *Coordinator) runSetupPhase(ctx context.Context, sess *session.Session, lab labspec.Lab, conn remoteshell.ConnDetails) {
	c.Bridge.BroadcastLog(sess.SandboxName, "SETTING_UP", "running setup steps")

	sink := func(entry setup.LogEntry) {
		logErr := c.Store.AppendExecutionLog(context.Background(), session.ExecutionLog{
			SessionID:  entry.SessionID,
			StepOrder:  entry.StepOrder,
			StepTitle:  entry.StepTitle,
			Command:    entry.Command,
			ExitCode:   entry.ExitCode,
			Output:     entry.Output,
			StartedAt:  entry.StartedAt,
			FinishedAt: entry.FinishedAt,
			Outcome:    string(entry.Outcome),
		})
		if logErr != nil && c.Logger != nil {
			c.Logger.Warn("execution log write failed", "session_id", entry.SessionID, "step", entry.StepOrder, "err", logErr)
		}
	}
	broadcast := func(eventType, message string) {
		c.Bridge.BroadcastLog(sess.SandboxName, eventType, message)
	}

	ok, _ := c.Setup.Run(ctx, sess.ID, conn, lab.Steps, sink, broadcast)
	if !ok {
		err := c.Store.Transition(ctx, sess.ID, session.StatusSettingUp, session.StatusSetupFailed, session.TransitionUpdate{})
		if err != nil {
			c.abandon(sess, err)
			return
		}
		c.Bridge.OnSetupFailed(sess.ID, "sandbox setup failed")
		c.scheduleDeprovision(sess)
		return
	}

	completed := time.Now().UTC()
	duration := time.Duration(lab.DurationMinutes) * time.Minute
	expires := completed.Add(duration)
	err := c.Store.Transition(ctx, sess.ID, session.StatusSettingUp, session.StatusReady, session.TransitionUpdate{
		SetupCompletedAt: &completed,
		ExpiresAt:        &expires,
	})
	if err != nil {
		c.abandon(sess, err)
		return
	}

	if c.Logger != nil {
		c.Logger.Info("session ready", "session_id", sess.ID, "sandbox", sess.SandboxName, "expires_at", expires)
	}
	c.Bridge.OnSandboxReady(bridge.ReadyInfo{
		SessionID:   sess.ID,
		SandboxName: sess.SandboxName,
		Duration:    duration,
	})
}

// HandleSandboxReady reacts to a bus-delivered "sandbox ready" event: the
// external executor already provisioned and booted the sandbox, so the
// pipeline resumes at the setup phase.
func (c *Coordinator) HandleSandboxReady(ctx context.Context, sessionID, podRef string) {
	sess, err := c.Store.Get(ctx, sessionID)
	if err != nil {
		if c.Logger != nil {
			c.Logger.Error("ready event for unknown session", "session_id", sessionID, "err", err)
		}
		return
	}

	if sess.Status == session.StatusProvisioning {
		if err := c.Store.Transition(ctx, sessionID, session.StatusProvisioning, session.StatusAwaitingReady, session.TransitionUpdate{PodRef: podRef}); err != nil {
			c.abandon(sess, err)
			return
		}
	}

	if !c.pool.Submit(func() { c.runBusReadyPhase(sessionID) }) {
		c.failSession(context.Background(), sess, session.StatusAwaitingReady, errors.New("worker pool is shut down"))
	}
}

func (c *Coordinator) runBusReadyPhase(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.active.Store(sessionID, cancel)
	defer func() {
		cancel()
		c.active.Delete(sessionID)
	}()

	sess, err := c.Store.Get(ctx, sessionID)
	if err != nil {
		return
	}
	lab, ok := c.Catalog.Lab(sess.LabID)
	if !ok {
		c.failSession(ctx, sess, session.StatusAwaitingReady, fmt.Errorf("unknown lab %q", sess.LabID))
		return
	}

	host, port, err := c.Waiter.Endpoint(ctx, sess.SandboxName, sess.Namespace, c.Config.AddressMode)
	if err != nil {
		c.failSession(ctx, sess, session.StatusAwaitingReady, fmt.Errorf("resolve endpoint: %w", err))
		return
	}
	if err := c.Waiter.AwaitPortReachable(ctx, host, port, c.Config.reachableTimeout()); err != nil {
		c.failSession(ctx, sess, session.StatusAwaitingReady, fmt.Errorf("await port: %w", err))
		return
	}

	started := time.Now().UTC()
	if err := c.Store.Transition(ctx, sessionID, session.StatusAwaitingReady, session.StatusSettingUp, session.TransitionUpdate{SetupStartedAt: &started}); err != nil {
		c.abandon(sess, err)
		return
	}

	conn := remoteshell.ConnDetails{
		Host:          host,
		Port:          port,
		User:          c.Config.SSH.User,
		Password:      c.Config.SSH.Password,
		PrivateKeyPEM: c.Config.SSH.PrivateKeyPEM,
	}
	c.runSetupPhase(ctx, sess, lab, conn)
}

// failSession resolves any pipeline error into FAILED, notifies clients,
// and schedules cleanup. The from status is the phase the pipeline was in;
// a CAS conflict means a submit/cancel already terminated the session.
func (c *Coordinator) failSession(ctx context.Context, sess *session.Session, from session.Status, cause error) {
	if c.Logger != nil {
		c.Logger.Error("session pipeline failed",
			"session_id", sess.ID,
			"phase", from,
			"err", cause,
		)
	}
	err := c.Store.Transition(ctx, sess.ID, from, session.StatusFailed, session.TransitionUpdate{})
	if err != nil && !errors.Is(err, session.ErrStatusConflict) && c.Logger != nil {
		c.Logger.Error("failed-status write failed", "session_id", sess.ID, "err", err)
	}
	c.Bridge.OnSetupFailed(sess.ID, cause.Error())
	c.scheduleDeprovision(sess)
}

// abandon handles a CAS conflict mid-pipeline: another writer (submit or
// cancel) already moved the session to a terminal state, which owns
// cleanup.
func (c *Coordinator) abandon(sess *session.Session, err error) {
	if errors.Is(err, session.ErrStatusConflict) {
		if c.Logger != nil {
			c.Logger.Debug("pipeline abandoned, session terminated elsewhere", "session_id", sess.ID)
		}
		return
	}
	c.failSession(context.Background(), sess, session.StatusSettingUp, err)
}

// scheduleDeprovision releases the sandbox's cluster objects in the
// background. Completion is not awaited by the caller.
func (c *Coordinator) scheduleDeprovision(sess *session.Session) {
	if c.Config.Mode == ModeBus && c.CleanupBus != nil {
		if err := c.CleanupBus.PublishCleanup(context.Background(), sess.ID, sess.SandboxName, sess.Namespace); err == nil {
			return
		} else if c.Logger != nil {
			c.Logger.Warn("cleanup publish failed, falling back to local deprovision", "session_id", sess.ID, "err", err)
		}
	}

	c.cleanupWG.Add(1)
	go func() {
		defer c.cleanupWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.Config.deprovisionTimeout())
		defer cancel()
		c.Provisioner.Deprovision(ctx, sess.SandboxName, sess.Namespace)
	}()
}

// SweepOrphans resolves sessions left non-terminal by a previous process:
// mid-pipeline ones become FAILED, the rest COMPLETED, and every sandbox
// is deprovisioned. Derived sandbox names make this idempotent.
func (c *Coordinator) SweepOrphans(ctx context.Context) error {
	orphans, err := c.Store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, sess := range orphans {
		switch sess.Status {
		case session.StatusProvisioning, session.StatusAwaitingReady, session.StatusSettingUp:
			err = c.Store.Transition(ctx, sess.ID, sess.Status, session.StatusFailed, session.TransitionUpdate{})
		default:
			_, err = c.Store.ForceCompleted(ctx, sess.ID)
		}
		if err != nil && !errors.Is(err, session.ErrStatusConflict) {
			if c.Logger != nil {
				c.Logger.Warn("orphan sweep transition failed", "session_id", sess.ID, "err", err)
			}
			continue
		}
		if c.Logger != nil {
			c.Logger.Info("swept orphaned session", "session_id", sess.ID, "prior_status", sess.Status)
		}
		c.scheduleDeprovision(sess)
	}
	return nil
}

// ExpireOverdue terminates READY sessions whose countdown has elapsed.
func (c *Coordinator) ExpireOverdue(ctx context.Context) error {
	sessions, err := c.Store.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, sess := range sessions {
		if sess.Status != session.StatusReady || sess.ExpiresAt == nil || sess.ExpiresAt.After(now) {
			continue
		}
		if _, err := c.Store.ForceCompleted(ctx, sess.ID); err != nil {
			if !errors.Is(err, session.ErrStatusConflict) && c.Logger != nil {
				c.Logger.Warn("expiry transition failed", "session_id", sess.ID, "err", err)
			}
			continue
		}
		if c.Logger != nil {
			c.Logger.Info("session expired", "session_id", sess.ID)
		}
		c.scheduleDeprovision(sess)
	}
	return nil
}
