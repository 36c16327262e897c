package cluster

import (
	"context"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/kvlab/kvlab/internal/labspec"
)

func testProfile() labspec.ComputeProfile {
	return labspec.ComputeProfile{
		CPUCores:   2,
		MemoryMiB:  2048,
		StorageGiB: 10,
		BaseImage:  "registry.example.com/kvlab/ubuntu:22.04",
	}
}

func newFakeDynamic(objects ...runtime.Object) *dynamicfake.FakeDynamicClient {
	scheme := runtime.NewScheme()
	gvr := DefaultVMTemplate().GVR()
	listKinds := map[schema.GroupVersionResource]string{
		gvr: DefaultVMTemplate().Kind + "List",
	}
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, listKinds, objects...)
}

func newTestProvisioner() (*Provisioner, *fake.Clientset, *dynamicfake.FakeDynamicClient) {
	client := fake.NewSimpleClientset()
	dyn := newFakeDynamic()
	p := &Provisioner{
		Client:   client,
		Dynamic:  dyn,
		Template: DefaultVMTemplate(),
	}
	return p, client, dyn
}

func TestProvisionCreatesAllObjects(t *testing.T) {
	p, client, dyn := newTestProvisioner()
	ctx := context.Background()

	if err := p.Provision(ctx, testProfile(), "sbx-abc", "kvlab-abc"); err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}

	if _, err := client.CoreV1().Namespaces().Get(ctx, "kvlab-abc", metav1.GetOptions{}); err != nil {
		t.Fatalf("namespace not created: %v", err)
	}
	if _, err := client.NetworkingV1().NetworkPolicies("kvlab-abc").Get(ctx, NetworkPolicyName, metav1.GetOptions{}); err != nil {
		t.Fatalf("network policy not created: %v", err)
	}
	if _, err := client.CoreV1().PersistentVolumeClaims("kvlab-abc").Get(ctx, "sbx-abc", metav1.GetOptions{}); err != nil {
		t.Fatalf("volume not created: %v", err)
	}
	vm, err := dyn.Resource(DefaultVMTemplate().GVR()).Namespace("kvlab-abc").Get(ctx, "sbx-abc", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("compute object not created: %v", err)
	}
	if vm.GetLabels()[LabelSandbox] != "sbx-abc" {
		t.Fatalf("compute object missing sandbox label: %v", vm.GetLabels())
	}
	svc, err := client.CoreV1().Services("kvlab-abc").Get(ctx, "sbx-abc", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("service not created: %v", err)
	}
	if svc.Spec.Selector[LabelSandbox] != "sbx-abc" {
		t.Fatalf("service selector wrong: %v", svc.Spec.Selector)
	}
}

func TestProvisionIsIdempotent(t *testing.T) {
	p, _, _ := newTestProvisioner()
	ctx := context.Background()

	if err := p.Provision(ctx, testProfile(), "sbx-abc", "kvlab-abc"); err != nil {
		t.Fatalf("first Provision returned error: %v", err)
	}
	if err := p.Provision(ctx, testProfile(), "sbx-abc", "kvlab-abc"); err != nil {
		t.Fatalf("re-Provision of existing sandbox returned error: %v", err)
	}
}

func TestDeprovisionIsSafeToCallTwice(t *testing.T) {
	p, client, _ := newTestProvisioner()
	ctx := context.Background()

	if err := p.Provision(ctx, testProfile(), "sbx-abc", "kvlab-abc"); err != nil {
		t.Fatal(err)
	}

	p.Deprovision(ctx, "sbx-abc", "kvlab-abc")
	if _, err := client.CoreV1().Services("kvlab-abc").Get(ctx, "sbx-abc", metav1.GetOptions{}); err == nil {
		t.Fatal("service should be deleted")
	}

	// Second call sees only already-gone objects and must still not fail.
	p.Deprovision(ctx, "sbx-abc", "kvlab-abc")
}

func TestDeprovisionOfUnknownSandboxIsNoop(t *testing.T) {
	p, _, _ := newTestProvisioner()
	p.Deprovision(context.Background(), "sbx-never-created", "kvlab-never")
}
