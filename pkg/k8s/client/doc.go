// Package client provides the Kubernetes client bundle shared by all
// session-manager components, plus the central classification of API errors
// into the conditions the rest of the system cares about.
//
// The bundle is constructed exactly once at process start and passed by
// reference to every component that talks to the cluster. There is no
// process-wide cached client; callers own the lifetime of what they build.
//
// Configuration discovery follows standard client-go conventions:
//
//   - explicit kubeconfig path, when given
//   - KUBECONFIG environment variable
//   - ~/.kube/config, if present
//   - in-cluster service account, as the final fallback
//
// Mutating calls (create, update, delete) are funneled through the bundle's
// rate limiter so a burst of session churn cannot flood the API server.
//
// For testing, construct a bundle directly around a fake clientset:
//
//	b := &client.Bundle{Clientset: fake.NewClientset()}
package client
