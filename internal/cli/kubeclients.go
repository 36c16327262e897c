package cli

import (
	"fmt"
	"strings"

	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kvlab/kvlab/internal/runtimeconfig"
)

// buildKubeClients resolves cluster credentials in order: forced in-cluster,
// explicit kubeconfig path, in-cluster probe, then the default kubeconfig.
var buildKubeClients = func(cfg runtimeconfig.ClusterConfig) (kubernetes.Interface, dynamic.Interface, error) {
	restCfg, err := restConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create dynamic client: %w", err)
	}
	return client, dyn, nil
}

func restConfig(cfg runtimeconfig.ClusterConfig) (*rest.Config, error) {
	if cfg.InCluster {
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster kubernetes config: %w", err)
		}
		return restCfg, nil
	}
	if path := strings.TrimSpace(cfg.Kubeconfig); path != "" {
		restCfg, err := clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("kubernetes config from %s: %w", path, err)
		}
		return restCfg, nil
	}

	restCfg, err := rest.InClusterConfig()
	if err == nil {
		return restCfg, nil
	}
	restCfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes config: %w", err)
	}
	return restCfg, nil
}
