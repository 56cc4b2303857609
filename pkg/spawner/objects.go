package spawner

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/cartavis/sessiond/pkg/apply"
)

// Per-kind bindings of the generic apply helpers to the clientset.

func (s *Spawner) ensureNamespace(ctx context.Context, ns *corev1.Namespace) error {
	api := s.bundle.Clientset.CoreV1().Namespaces()
	return apply.Ensure(ctx, s.bundle, ns,
		func(ctx context.Context, o *corev1.Namespace) (*corev1.Namespace, error) {
			return api.Create(ctx, o, metav1.CreateOptions{})
		})
}

func (s *Spawner) ensureClaim(ctx context.Context, namespace string, claim *corev1.PersistentVolumeClaim) error {
	api := s.bundle.Clientset.CoreV1().PersistentVolumeClaims(namespace)
	return apply.Ensure(ctx, s.bundle, claim,
		func(ctx context.Context, o *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error) {
			return api.Create(ctx, o, metav1.CreateOptions{})
		})
}

func (s *Spawner) applyWorkload(ctx context.Context, namespace string, d *appsv1.Deployment) error {
	api := s.bundle.Clientset.AppsV1().Deployments(namespace)
	return apply.CreateOrReplace(ctx, s.bundle, d,
		func(ctx context.Context, o *appsv1.Deployment) (*appsv1.Deployment, error) {
			return api.Create(ctx, o, metav1.CreateOptions{})
		},
		func(ctx context.Context, name string) (*appsv1.Deployment, error) {
			return api.Get(ctx, name, metav1.GetOptions{})
		},
		func(ctx context.Context, o *appsv1.Deployment) (*appsv1.Deployment, error) {
			return api.Update(ctx, o, metav1.UpdateOptions{})
		},
		nil)
}

func (s *Spawner) applyService(ctx context.Context, namespace string, svc *corev1.Service) error {
	api := s.bundle.Clientset.CoreV1().Services(namespace)
	return apply.CreateOrReplace(ctx, s.bundle, svc,
		func(ctx context.Context, o *corev1.Service) (*corev1.Service, error) {
			return api.Create(ctx, o, metav1.CreateOptions{})
		},
		func(ctx context.Context, name string) (*corev1.Service, error) {
			return api.Get(ctx, name, metav1.GetOptions{})
		},
		func(ctx context.Context, o *corev1.Service) (*corev1.Service, error) {
			return api.Update(ctx, o, metav1.UpdateOptions{})
		},
		func(live, desired *corev1.Service) {
			// ClusterIP is immutable; a replace must carry it over.
			desired.Spec.ClusterIP = live.Spec.ClusterIP
			desired.Spec.ClusterIPs = live.Spec.ClusterIPs
		})
}

func (s *Spawner) applyRoute(ctx context.Context, namespace string, ing *networkingv1.Ingress) error {
	api := s.bundle.Clientset.NetworkingV1().Ingresses(namespace)
	return apply.CreateOrReplace(ctx, s.bundle, ing,
		func(ctx context.Context, o *networkingv1.Ingress) (*networkingv1.Ingress, error) {
			return api.Create(ctx, o, metav1.CreateOptions{})
		},
		func(ctx context.Context, name string) (*networkingv1.Ingress, error) {
			return api.Get(ctx, name, metav1.GetOptions{})
		},
		func(ctx context.Context, o *networkingv1.Ingress) (*networkingv1.Ingress, error) {
			return api.Update(ctx, o, metav1.UpdateOptions{})
		},
		nil)
}

func (s *Spawner) applyAddressRecord(ctx context.Context, namespace string, ep *corev1.Endpoints) error {
	api := s.bundle.Clientset.CoreV1().Endpoints(namespace)
	return apply.CreateOrReplace(ctx, s.bundle, ep,
		func(ctx context.Context, o *corev1.Endpoints) (*corev1.Endpoints, error) {
			return api.Create(ctx, o, metav1.CreateOptions{})
		},
		func(ctx context.Context, name string) (*corev1.Endpoints, error) {
			return api.Get(ctx, name, metav1.GetOptions{})
		},
		func(ctx context.Context, o *corev1.Endpoints) (*corev1.Endpoints, error) {
			return api.Update(ctx, o, metav1.UpdateOptions{})
		},
		nil)
}

func (s *Spawner) deleteWorkload(ctx context.Context, namespace, name string) error {
	api := s.bundle.Clientset.AppsV1().Deployments(namespace)
	return apply.Delete(ctx, s.bundle, name, func(ctx context.Context, name string) error {
		policy := metav1.DeletePropagationForeground
		return api.Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	})
}

func (s *Spawner) deleteService(ctx context.Context, namespace, name string) error {
	api := s.bundle.Clientset.CoreV1().Services(namespace)
	return apply.Delete(ctx, s.bundle, name, func(ctx context.Context, name string) error {
		return api.Delete(ctx, name, metav1.DeleteOptions{})
	})
}

func (s *Spawner) deleteRoute(ctx context.Context, namespace, name string) error {
	api := s.bundle.Clientset.NetworkingV1().Ingresses(namespace)
	return apply.Delete(ctx, s.bundle, name, func(ctx context.Context, name string) error {
		return api.Delete(ctx, name, metav1.DeleteOptions{})
	})
}

func (s *Spawner) deleteAddressRecord(ctx context.Context, namespace, name string) error {
	api := s.bundle.Clientset.CoreV1().Endpoints(namespace)
	return apply.Delete(ctx, s.bundle, name, func(ctx context.Context, name string) error {
		return api.Delete(ctx, name, metav1.DeleteOptions{})
	})
}

func (s *Spawner) deleteClaim(ctx context.Context, namespace, name string) error {
	api := s.bundle.Clientset.CoreV1().PersistentVolumeClaims(namespace)
	return apply.Delete(ctx, s.bundle, name, func(ctx context.Context, name string) error {
		return api.Delete(ctx, name, metav1.DeleteOptions{})
	})
}
