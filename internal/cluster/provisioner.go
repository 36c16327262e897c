package cluster

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/kvlab/kvlab/internal/labspec"
)

// Label keys stamped on every cluster object backing a sandbox.
const (
	LabelSandbox   = "kvlab.io/sandbox"
	LabelManagedBy = "app.kubernetes.io/managed-by"

	ManagedByValue = "kvlab"

	// NetworkPolicyName is fixed so re-provisioning stays idempotent.
	NetworkPolicyName = "kvlab-default-deny"

	// SSHPort is the in-guest port the remote-access service exposes.
	SSHPort = 22
)

// VMTemplate identifies the templated compute resource (group/version/plural)
// the provisioner instantiates, e.g. KubeVirt VirtualMachineInstance.
type VMTemplate struct {
	Group    string
	Version  string
	Resource string
	Kind     string
}

// DefaultVMTemplate targets KubeVirt VirtualMachineInstances.
func DefaultVMTemplate() VMTemplate {
	return VMTemplate{
		Group:    "kubevirt.io",
		Version:  "v1",
		Resource: "virtualmachineinstances",
		Kind:     "VirtualMachineInstance",
	}
}

func (t VMTemplate) GVR() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: t.Group, Version: t.Version, Resource: t.Resource}
}

// Provisioner creates and deletes the cluster objects backing one sandbox:
// isolation namespace, network policy, storage volume, compute object, and
// the remote-access service. Every creation is independently idempotent.
type Provisioner struct {
	Client   kubernetes.Interface
	Dynamic  dynamic.Interface
	Template VMTemplate
	Logger   *log.Logger
}

// Provision ensures all objects for sandboxName exist in namespace. Calling
// it again for an existing sandbox must not fail.
func (p *Provisioner) Provision(ctx context.Context, profile labspec.ComputeProfile, sandboxName, namespace string) error {
	if err := p.ensureNamespace(ctx, namespace); err != nil {
		return fmt.Errorf("ensure namespace %s: %w", namespace, err)
	}
	if err := p.ensureNetworkPolicy(ctx, namespace); err != nil {
		return fmt.Errorf("ensure network policy in %s: %w", namespace, err)
	}
	if err := p.ensureVolume(ctx, profile, sandboxName, namespace); err != nil {
		return fmt.Errorf("ensure volume for %s: %w", sandboxName, err)
	}
	if err := p.ensureVM(ctx, profile, sandboxName, namespace); err != nil {
		return fmt.Errorf("ensure compute object for %s: %w", sandboxName, err)
	}
	if err := p.ensureService(ctx, sandboxName, namespace); err != nil {
		return fmt.Errorf("ensure service for %s: %w", sandboxName, err)
	}
	return nil
}

// Deprovision removes the sandbox objects in inverse creation order. It never
// returns an error: already-gone objects are expected and other failures are
// logged and skipped, so it is safe to call twice.
func (p *Provisioner) Deprovision(ctx context.Context, sandboxName, namespace string) {
	deletes := []struct {
		kind string
		fn   func() error
	}{
		{"service", func() error {
			return p.Client.CoreV1().Services(namespace).Delete(ctx, sandboxName, metav1.DeleteOptions{})
		}},
		{"compute object", func() error {
			return p.Dynamic.Resource(p.Template.GVR()).Namespace(namespace).Delete(ctx, sandboxName, metav1.DeleteOptions{})
		}},
		{"volume", func() error {
			return p.Client.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, sandboxName, metav1.DeleteOptions{})
		}},
		{"network policy", func() error {
			return p.Client.NetworkingV1().NetworkPolicies(namespace).Delete(ctx, NetworkPolicyName, metav1.DeleteOptions{})
		}},
		{"namespace", func() error {
			return p.Client.CoreV1().Namespaces().Delete(ctx, namespace, metav1.DeleteOptions{})
		}},
	}

	for _, d := range deletes {
		err := d.fn()
		if err == nil || apierrors.IsNotFound(err) {
			continue
		}
		if p.Logger != nil {
			p.Logger.Warn("deprovision step failed, continuing",
				"sandbox", sandboxName,
				"namespace", namespace,
				"object", d.kind,
				"err", err,
			)
		}
	}
	if p.Logger != nil {
		p.Logger.Info("sandbox deprovisioned", "sandbox", sandboxName, "namespace", namespace)
	}
}

func (p *Provisioner) ensureNamespace(ctx context.Context, namespace string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   namespace,
			Labels: map[string]string{LabelManagedBy: ManagedByValue},
		},
	}
	_, err := p.Client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	return ignoreAlreadyExists(err)
}

func (p *Provisioner) ensureNetworkPolicy(ctx context.Context, namespace string) error {
	tcp := corev1.ProtocolTCP
	sshPort := intstr.FromInt32(SSHPort)
	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      NetworkPolicyName,
			Namespace: namespace,
			Labels:    map[string]string{LabelManagedBy: ManagedByValue},
		},
		Spec: networkingv1.NetworkPolicySpec{
			// Empty pod selector: applies to every pod in the namespace.
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &tcp, Port: &sshPort},
					},
				},
			},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{
					To: []networkingv1.NetworkPolicyPeer{
						{NamespaceSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"kubernetes.io/metadata.name": namespace},
						}},
					},
				},
			},
		},
	}
	_, err := p.Client.NetworkingV1().NetworkPolicies(namespace).Create(ctx, policy, metav1.CreateOptions{})
	return ignoreAlreadyExists(err)
}

func (p *Provisioner) ensureVolume(ctx context.Context, profile labspec.ComputeProfile, sandboxName, namespace string) error {
	size := resource.MustParse(fmt.Sprintf("%dGi", profile.StorageGiB))
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      sandboxName,
			Namespace: namespace,
			Labels:    sandboxLabels(sandboxName),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: size},
			},
		},
	}
	_, err := p.Client.CoreV1().PersistentVolumeClaims(namespace).Create(ctx, pvc, metav1.CreateOptions{})
	return ignoreAlreadyExists(err)
}

func (p *Provisioner) ensureVM(ctx context.Context, profile labspec.ComputeProfile, sandboxName, namespace string) error {
	vm := p.vmObject(profile, sandboxName, namespace)
	_, err := p.Dynamic.Resource(p.Template.GVR()).Namespace(namespace).Create(ctx, vm, metav1.CreateOptions{})
	return ignoreAlreadyExists(err)
}

// vmObject renders the templated compute definition parameterized by
// name/cpu/memory/image.
func (p *Provisioner) vmObject(profile labspec.ComputeProfile, sandboxName, namespace string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": p.Template.Group + "/" + p.Template.Version,
		"kind":       p.Template.Kind,
		"metadata": map[string]any{
			"name":      sandboxName,
			"namespace": namespace,
			"labels": map[string]any{
				LabelSandbox:   sandboxName,
				LabelManagedBy: ManagedByValue,
			},
		},
		"spec": map[string]any{
			"domain": map[string]any{
				"cpu": map[string]any{
					"cores": profile.CPUCores,
				},
				"resources": map[string]any{
					"requests": map[string]any{
						"memory": fmt.Sprintf("%dMi", profile.MemoryMiB),
					},
				},
				"devices": map[string]any{
					"disks": []any{
						map[string]any{
							"name": "root",
							"disk": map[string]any{"bus": "virtio"},
						},
						map[string]any{
							"name": "scratch",
							"disk": map[string]any{"bus": "virtio"},
						},
					},
				},
			},
			"volumes": []any{
				map[string]any{
					"name": "root",
					"containerDisk": map[string]any{
						"image": profile.BaseImage,
					},
				},
				map[string]any{
					"name": "scratch",
					"persistentVolumeClaim": map[string]any{
						"claimName": sandboxName,
					},
				},
			},
		},
	}}
}

func (p *Provisioner) ensureService(ctx context.Context, sandboxName, namespace string) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      sandboxName,
			Namespace: namespace,
			Labels:    sandboxLabels(sandboxName),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{LabelSandbox: sandboxName},
			Ports: []corev1.ServicePort{
				{
					Name:       "ssh",
					Protocol:   corev1.ProtocolTCP,
					Port:       SSHPort,
					TargetPort: intstr.FromInt32(SSHPort),
				},
			},
		},
	}
	_, err := p.Client.CoreV1().Services(namespace).Create(ctx, svc, metav1.CreateOptions{})
	return ignoreAlreadyExists(err)
}

func sandboxLabels(sandboxName string) map[string]string {
	return map[string]string{
		LabelSandbox:   sandboxName,
		LabelManagedBy: ManagedByValue,
	}
}

func ignoreAlreadyExists(err error) error {
	if err == nil || apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}
