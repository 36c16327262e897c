package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

// ErrReadinessTimeout marks a sandbox that never became reachable within
// budget. It is fatal and non-retryable for the session.
var ErrReadinessTimeout = errors.New("sandbox readiness timeout")

// AddressMode selects how the remote-shell endpoint is resolved.
type AddressMode string

const (
	// AddressModeExternal reaches the sandbox through a node address and
	// the service's node port.
	AddressModeExternal AddressMode = "external"
	// AddressModeInternal reaches the sandbox on its cluster IP and the
	// fixed SSH port (server runs inside the cluster).
	AddressModeInternal AddressMode = "internal"
)

// Handle identifies a running compute object.
type Handle struct {
	Name      string
	Namespace string
	PodRef    string
	IP        string
}

const runningPhase = "Running"

// Waiter polls cluster state until a sandbox's compute object is running and
// its remote-shell port accepts connections. Both waits block a worker with
// explicit sleeps and honor ctx cancellation.
type Waiter struct {
	Client   kubernetes.Interface
	Dynamic  dynamic.Interface
	Template VMTemplate
	Logger   *log.Logger

	// PollInterval paces object polling, DialInterval paces TCP attempts.
	// Zero values use the defaults (5s / 2s).
	PollInterval time.Duration
	DialInterval time.Duration

	dial func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error)
}

func (w *Waiter) pollInterval() time.Duration {
	if w.PollInterval > 0 {
		return w.PollInterval
	}
	return 5 * time.Second
}

func (w *Waiter) dialInterval() time.Duration {
	if w.DialInterval > 0 {
		return w.DialInterval
	}
	return 2 * time.Second
}

func (w *Waiter) dialFn() func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	if w.dial != nil {
		return w.dial
	}
	return func(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
}

// AwaitRunning polls the compute objects labelled with sandboxName until
// exactly one exists and reports the Running phase. Exceeding timeout yields
// ErrReadinessTimeout.
func (w *Waiter) AwaitRunning(ctx context.Context, sandboxName, namespace string, timeout time.Duration) (Handle, error) {
	deadline := time.Now().Add(timeout)
	selector := LabelSandbox + "=" + sandboxName

	for {
		list, err := w.Dynamic.Resource(w.Template.GVR()).Namespace(namespace).List(ctx, metav1.ListOptions{
			LabelSelector: selector,
		})
		if err != nil {
			// Transient API errors are retried until the deadline.
			if w.Logger != nil {
				w.Logger.Warn("listing compute objects failed, retrying", "sandbox", sandboxName, "err", err)
			}
		} else if len(list.Items) == 1 {
			obj := list.Items[0]
			phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase")
			if phase == runningPhase {
				return handleFromObject(&obj, namespace), nil
			}
			if w.Logger != nil {
				w.Logger.Debug("sandbox not running yet", "sandbox", sandboxName, "phase", phase)
			}
		}

		if time.Now().After(deadline) {
			return Handle{}, fmt.Errorf("%w: %s never reached %s phase within %s", ErrReadinessTimeout, sandboxName, runningPhase, timeout)
		}
		select {
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		case <-time.After(w.pollInterval()):
		}
	}
}

func handleFromObject(obj *unstructured.Unstructured, namespace string) Handle {
	handle := Handle{
		Name:      obj.GetName(),
		Namespace: namespace,
	}
	if ifaces, ok, _ := unstructured.NestedSlice(obj.Object, "status", "interfaces"); ok && len(ifaces) > 0 {
		if m, ok := ifaces[0].(map[string]any); ok {
			if ip, ok := m["ipAddress"].(string); ok {
				handle.IP = ip
			}
		}
	}
	if podRef, ok, _ := unstructured.NestedString(obj.Object, "status", "launcherPod"); ok {
		handle.PodRef = podRef
	}
	if handle.PodRef == "" {
		if ref, ok, _ := unstructured.NestedString(obj.Object, "status", "nodeName"); ok {
			handle.PodRef = ref
		}
	}
	return handle
}

// AwaitPortReachable attempts short-lived TCP connects to host:port until one
// succeeds or timeout elapses. It returns within timeout plus one dial
// interval.
func (w *Waiter) AwaitPortReachable(ctx context.Context, host string, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dial := w.dialFn()

	for {
		conn, err := dial(ctx, addr, w.dialInterval())
		if err == nil {
			conn.Close()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s not reachable within %s", ErrReadinessTimeout, addr, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.dialInterval()):
		}
	}
}

// Endpoint resolves the remote-shell address for a sandbox. External mode
// pairs a node address with the service's node port; internal mode uses the
// compute object's reported IP and the fixed SSH port.
func (w *Waiter) Endpoint(ctx context.Context, sandboxName, namespace string, mode AddressMode) (string, int, error) {
	switch mode {
	case AddressModeInternal:
		list, err := w.Dynamic.Resource(w.Template.GVR()).Namespace(namespace).List(ctx, metav1.ListOptions{
			LabelSelector: LabelSandbox + "=" + sandboxName,
		})
		if err != nil {
			return "", 0, fmt.Errorf("list compute objects for %s: %w", sandboxName, err)
		}
		if len(list.Items) != 1 {
			return "", 0, fmt.Errorf("expected exactly one compute object for %s, found %d", sandboxName, len(list.Items))
		}
		handle := handleFromObject(&list.Items[0], namespace)
		if handle.IP == "" {
			return "", 0, fmt.Errorf("compute object for %s reports no IP", sandboxName)
		}
		return handle.IP, SSHPort, nil

	case AddressModeExternal:
		svc, err := w.Client.CoreV1().Services(namespace).Get(ctx, sandboxName, metav1.GetOptions{})
		if err != nil {
			return "", 0, fmt.Errorf("get service for %s: %w", sandboxName, err)
		}
		nodePort := 0
		for _, p := range svc.Spec.Ports {
			if p.Port == SSHPort {
				nodePort = int(p.NodePort)
				break
			}
		}
		if nodePort == 0 {
			return "", 0, fmt.Errorf("service for %s has no node port", sandboxName)
		}
		host, err := w.nodeAddress(ctx)
		if err != nil {
			return "", 0, err
		}
		return host, nodePort, nil
	}
	return "", 0, fmt.Errorf("unknown address mode %q", mode)
}

// nodeAddress picks an externally reachable node address, preferring
// ExternalIP over InternalIP.
func (w *Waiter) nodeAddress(ctx context.Context) (string, error) {
	nodes, err := w.Client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list cluster nodes: %w", err)
	}
	if len(nodes.Items) == 0 {
		return "", errors.New("cluster reports no nodes")
	}

	var internal string
	for _, node := range nodes.Items {
		for _, addr := range node.Status.Addresses {
			switch addr.Type {
			case corev1.NodeExternalIP:
				if addr.Address != "" {
					return addr.Address, nil
				}
			case corev1.NodeInternalIP:
				if internal == "" {
					internal = addr.Address
				}
			}
		}
	}
	if internal != "" {
		return internal, nil
	}
	return "", errors.New("no node reports a usable address")
}
