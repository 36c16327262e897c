// Package bus carries sandbox lifecycle events over NATS when provisioning
// is delegated to an external executor. The in-process topology never
// touches it.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
)

// Subjects of the sandbox lifecycle.
const (
	SubjectProvision  = "kvlab.sandbox.provision"
	SubjectReady      = "kvlab.sandbox.ready"
	SubjectCleanup    = "kvlab.sandbox.cleanup"
	SubjectValidation = "kvlab.validation.request"
)

// ProvisionRequest asks the executor to create a sandbox.
type ProvisionRequest struct {
	SessionID   string `json:"session_id"`
	SandboxName string `json:"sandbox_name"`
	Namespace   string `json:"namespace"`
}

// ReadyEvent reports a sandbox that booted and is reachable.
type ReadyEvent struct {
	SessionID   string `json:"session_id"`
	SandboxName string `json:"sandbox_name"`
	Namespace   string `json:"namespace"`
	PodRef      string `json:"pod_ref,omitempty"`
}

// CleanupRequest asks the executor to tear a sandbox down.
type CleanupRequest struct {
	SessionID   string `json:"session_id"`
	SandboxName string `json:"sandbox_name"`
	Namespace   string `json:"namespace"`
}

// ValidationRequest asks for one question check on a live sandbox.
type ValidationRequest struct {
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
}

// ValidationReply is the checked outcome.
type ValidationReply struct {
	Passed bool   `json:"passed"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Conn is a thin wrapper over a NATS connection speaking the kvlab
// subjects.
type Conn struct {
	nc     *nats.Conn
	logger *log.Logger
}

// Connect dials the NATS server and reconnects forever.
func Connect(url string, logger *log.Logger) (*Conn, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name("kvlab"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %q: %w", url, err)
	}
	return &Conn{nc: nc, logger: logger}, nil
}

// Wrap adopts an existing NATS connection (tests).
func Wrap(nc *nats.Conn, logger *log.Logger) *Conn {
	return &Conn{nc: nc, logger: logger}
}

// Close drains the connection, letting in-flight handlers finish.
func (c *Conn) Close() {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
	}
}

func (c *Conn) publish(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	if err := c.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PublishProvision emits a provision request for the executor.
func (c *Conn) PublishProvision(_ context.Context, sessionID, sandboxName, namespace string) error {
	return c.publish(SubjectProvision, ProvisionRequest{
		SessionID:   sessionID,
		SandboxName: sandboxName,
		Namespace:   namespace,
	})
}

// PublishReady emits a sandbox-ready event back to the coordinator.
func (c *Conn) PublishReady(_ context.Context, evt ReadyEvent) error {
	return c.publish(SubjectReady, evt)
}

// PublishCleanup emits a teardown request for the executor.
func (c *Conn) PublishCleanup(_ context.Context, sessionID, sandboxName, namespace string) error {
	return c.publish(SubjectCleanup, CleanupRequest{
		SessionID:   sessionID,
		SandboxName: sandboxName,
		Namespace:   namespace,
	})
}

// SubscribeProvision delivers provision requests to handler. Malformed
// payloads are logged and dropped.
func (c *Conn) SubscribeProvision(handler func(ProvisionRequest)) (*nats.Subscription, error) {
	return c.nc.Subscribe(SubjectProvision, func(msg *nats.Msg) {
		var req ProvisionRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.dropped(SubjectProvision, err)
			return
		}
		handler(req)
	})
}

// SubscribeReady delivers sandbox-ready events to handler.
func (c *Conn) SubscribeReady(handler func(ReadyEvent)) (*nats.Subscription, error) {
	return c.nc.Subscribe(SubjectReady, func(msg *nats.Msg) {
		var evt ReadyEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			c.dropped(SubjectReady, err)
			return
		}
		handler(evt)
	})
}

// SubscribeCleanup delivers teardown requests to handler.
func (c *Conn) SubscribeCleanup(handler func(CleanupRequest)) (*nats.Subscription, error) {
	return c.nc.Subscribe(SubjectCleanup, func(msg *nats.Msg) {
		var req CleanupRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.dropped(SubjectCleanup, err)
			return
		}
		handler(req)
	})
}

// ServeValidation answers validation requests with the handler's verdict.
func (c *Conn) ServeValidation(handler func(ValidationRequest) ValidationReply) (*nats.Subscription, error) {
	return c.nc.Subscribe(SubjectValidation, func(msg *nats.Msg) {
		var req ValidationRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			c.dropped(SubjectValidation, err)
			return
		}
		reply := handler(req)
		payload, err := json.Marshal(reply)
		if err != nil {
			c.dropped(SubjectValidation, err)
			return
		}
		if err := msg.Respond(payload); err != nil {
			c.dropped(SubjectValidation, err)
		}
	})
}

// RequestValidation performs a validation round trip over the bus.
func (c *Conn) RequestValidation(ctx context.Context, req ValidationRequest) (ValidationReply, error) {
	var reply ValidationReply
	payload, err := json.Marshal(req)
	if err != nil {
		return reply, fmt.Errorf("encode validation request: %w", err)
	}
	msg, err := c.nc.RequestWithContext(ctx, SubjectValidation, payload)
	if err != nil {
		return reply, fmt.Errorf("validation request: %w", err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return reply, fmt.Errorf("decode validation reply: %w", err)
	}
	return reply, nil
}

func (c *Conn) dropped(subject string, err error) {
	if c.logger != nil {
		c.logger.Warn("dropped bus message", "subject", subject, "err", err)
	}
}
