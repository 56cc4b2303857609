package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// Interface is an alias for kubernetes.Interface to allow easier mocking in
// tests with fake.NewClientset().
type Interface = kubernetes.Interface

// Options configures bundle construction.
type Options struct {
	// Kubeconfig is an explicit kubeconfig path. Empty means automatic
	// discovery (KUBECONFIG, ~/.kube/config, then in-cluster).
	Kubeconfig string

	// MutationsPerSecond caps the rate of mutating API calls issued through
	// the bundle. Zero disables the limiter.
	MutationsPerSecond float64

	// MutationBurst is the limiter burst size. Defaults to 10 when a rate
	// is set.
	MutationBurst int
}

// Bundle holds the clientset and its rest configuration. It is constructed
// once at process start and handed to every component that needs cluster
// access.
type Bundle struct {
	Clientset Interface
	Config    *rest.Config

	limiter *rate.Limiter
}

// New builds a bundle from the given options.
func New(opts Options) (*Bundle, error) {
	config, err := resolveConfig(opts.Kubeconfig)
	if err != nil {
		return nil, err
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	b := &Bundle{
		Clientset: clientset,
		Config:    config,
	}
	if opts.MutationsPerSecond > 0 {
		burst := opts.MutationBurst
		if burst <= 0 {
			burst = 10
		}
		b.limiter = rate.NewLimiter(rate.Limit(opts.MutationsPerSecond), burst)
	}
	return b, nil
}

// WaitMutate blocks until the mutation limiter permits another mutating
// call, or the context is canceled. Callers invoke it immediately before
// every create, update, or delete.
func (b *Bundle) WaitMutate(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

// resolveConfig locates a rest.Config using the discovery order documented
// on the package.
func resolveConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")

		if kubeconfig == "" {
			candidate := filepath.Join(homedir.HomeDir(), ".kube", "config")
			if _, err := os.Stat(candidate); err == nil {
				kubeconfig = candidate
			}
		}
	}

	// Use InClusterConfig directly when no kubeconfig is available. This
	// avoids the "Neither --kubeconfig nor --master was specified" warning.
	if kubeconfig == "" {
		config, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
		}
		return config, nil
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kube config from %s: %w", kubeconfig, err)
	}
	return config, nil
}
