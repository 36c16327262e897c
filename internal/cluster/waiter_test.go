package cluster

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func vmObject(name, namespace, phase, ip string) *unstructured.Unstructured {
	tpl := DefaultVMTemplate()
	obj := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": tpl.Group + "/" + tpl.Version,
		"kind":       tpl.Kind,
		"metadata": map[string]any{
			"name":      name,
			"namespace": namespace,
			"labels": map[string]any{
				LabelSandbox: name,
			},
		},
		"status": map[string]any{
			"phase": phase,
		},
	}}
	if ip != "" {
		status := obj.Object["status"].(map[string]any)
		status["interfaces"] = []any{
			map[string]any{"ipAddress": ip},
		}
	}
	return obj
}

func TestAwaitRunningReturnsHandle(t *testing.T) {
	dyn := newFakeDynamic(vmObject("sbx-abc", "kvlab-abc", "Running", "10.1.2.3"))
	w := &Waiter{
		Dynamic:      dyn,
		Template:     DefaultVMTemplate(),
		PollInterval: time.Millisecond,
	}

	handle, err := w.AwaitRunning(context.Background(), "sbx-abc", "kvlab-abc", time.Second)
	if err != nil {
		t.Fatalf("AwaitRunning returned error: %v", err)
	}
	if handle.Name != "sbx-abc" || handle.IP != "10.1.2.3" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
}

func TestAwaitRunningRetriesTransientListErrors(t *testing.T) {
	dyn := newFakeDynamic(vmObject("sbx-abc", "kvlab-abc", "Running", "10.1.2.3"))
	var calls int32
	dyn.PrependReactor("list", "*", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return true, nil, errors.New("etcdserver: request timed out")
		}
		return false, nil, nil
	})
	w := &Waiter{
		Dynamic:      dyn,
		Template:     DefaultVMTemplate(),
		PollInterval: time.Millisecond,
	}

	handle, err := w.AwaitRunning(context.Background(), "sbx-abc", "kvlab-abc", time.Second)
	if err != nil {
		t.Fatalf("AwaitRunning returned error: %v", err)
	}
	if handle.Name != "sbx-abc" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("list calls = %d, want at least 2", calls)
	}
}

func TestAwaitRunningTimesOutOnNonRunningPhase(t *testing.T) {
	dyn := newFakeDynamic(vmObject("sbx-abc", "kvlab-abc", "Scheduling", ""))
	w := &Waiter{
		Dynamic:      dyn,
		Template:     DefaultVMTemplate(),
		PollInterval: time.Millisecond,
	}

	_, err := w.AwaitRunning(context.Background(), "sbx-abc", "kvlab-abc", 20*time.Millisecond)
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("expected ErrReadinessTimeout, got %v", err)
	}
}

func TestAwaitRunningTimesOutWhenObjectMissing(t *testing.T) {
	w := &Waiter{
		Dynamic:      newFakeDynamic(),
		Template:     DefaultVMTemplate(),
		PollInterval: time.Millisecond,
	}

	_, err := w.AwaitRunning(context.Background(), "sbx-abc", "kvlab-abc", 20*time.Millisecond)
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("expected ErrReadinessTimeout, got %v", err)
	}
}

func TestAwaitRunningHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Waiter{
		Dynamic:      newFakeDynamic(),
		Template:     DefaultVMTemplate(),
		PollInterval: 50 * time.Millisecond,
	}

	done := make(chan error, 1)
	go func() {
		_, err := w.AwaitRunning(ctx, "sbx-abc", "kvlab-abc", time.Minute)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitRunning did not exit after cancellation")
	}
}

type stubConn struct{ net.Conn }

func (stubConn) Close() error { return nil }

func TestAwaitPortReachableSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	w := &Waiter{
		DialInterval: time.Millisecond,
		dial: func(context.Context, string, time.Duration) (net.Conn, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("connection refused")
			}
			return stubConn{}, nil
		},
	}

	if err := w.AwaitPortReachable(context.Background(), "10.1.2.3", 22, time.Second); err != nil {
		t.Fatalf("AwaitPortReachable returned error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", attempts)
	}
}

func TestAwaitPortReachableTimesOutWithinBudget(t *testing.T) {
	w := &Waiter{
		DialInterval: 5 * time.Millisecond,
		dial: func(context.Context, string, time.Duration) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	}

	timeout := 25 * time.Millisecond
	start := time.Now()
	err := w.AwaitPortReachable(context.Background(), "10.1.2.3", 22, timeout)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("expected ErrReadinessTimeout, got %v", err)
	}
	// Must return no later than timeout + one poll interval (plus scheduling slack).
	if elapsed > timeout+5*time.Millisecond+50*time.Millisecond {
		t.Fatalf("AwaitPortReachable overran its budget: %s", elapsed)
	}
}

func TestEndpointExternalUsesNodeAddressAndNodePort(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: "node-1"},
			Status: corev1.NodeStatus{Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeInternalIP, Address: "192.168.0.10"},
				{Type: corev1.NodeExternalIP, Address: "203.0.113.7"},
			}},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "sbx-abc", Namespace: "kvlab-abc"},
			Spec: corev1.ServiceSpec{
				Type: corev1.ServiceTypeNodePort,
				Ports: []corev1.ServicePort{
					{Name: "ssh", Port: SSHPort, NodePort: 30222},
				},
			},
		},
	)
	w := &Waiter{Client: client, Template: DefaultVMTemplate()}

	host, port, err := w.Endpoint(context.Background(), "sbx-abc", "kvlab-abc", AddressModeExternal)
	if err != nil {
		t.Fatalf("Endpoint returned error: %v", err)
	}
	if host != "203.0.113.7" || port != 30222 {
		t.Fatalf("unexpected endpoint %s:%d", host, port)
	}
}

func TestEndpointExternalFallsBackToInternalIP(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: "node-1"},
			Status: corev1.NodeStatus{Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeInternalIP, Address: "192.168.0.10"},
			}},
		},
		&corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: "sbx-abc", Namespace: "kvlab-abc"},
			Spec: corev1.ServiceSpec{
				Ports: []corev1.ServicePort{{Name: "ssh", Port: SSHPort, NodePort: 30222}},
			},
		},
	)
	w := &Waiter{Client: client, Template: DefaultVMTemplate()}

	host, _, err := w.Endpoint(context.Background(), "sbx-abc", "kvlab-abc", AddressModeExternal)
	if err != nil {
		t.Fatalf("Endpoint returned error: %v", err)
	}
	if host != "192.168.0.10" {
		t.Fatalf("expected internal IP fallback, got %s", host)
	}
}

func TestEndpointInternalUsesObjectIP(t *testing.T) {
	dyn := newFakeDynamic(vmObject("sbx-abc", "kvlab-abc", "Running", "10.1.2.3"))
	w := &Waiter{Dynamic: dyn, Template: DefaultVMTemplate()}

	host, port, err := w.Endpoint(context.Background(), "sbx-abc", "kvlab-abc", AddressModeInternal)
	if err != nil {
		t.Fatalf("Endpoint returned error: %v", err)
	}
	if host != "10.1.2.3" || port != SSHPort {
		t.Fatalf("unexpected endpoint %s:%d", host, port)
	}
}
