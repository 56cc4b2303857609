package mirror

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/cartavis/sessiond/pkg/k8s/client"
)

// Per-kind descriptor constructors. Each is a thin wrapper binding the
// generic mirror to one clientset resource within one namespace.

// Pods describes a pod mirror.
func Pods(cs client.Interface, namespace, selector string) Descriptor[*corev1.Pod] {
	return Descriptor[*corev1.Pod]{
		Kind:          "pods",
		LabelSelector: selector,
		List: func(ctx context.Context, opts metav1.ListOptions) ([]*corev1.Pod, string, error) {
			list, err := cs.CoreV1().Pods(namespace).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			items := make([]*corev1.Pod, 0, len(list.Items))
			for i := range list.Items {
				items = append(items, &list.Items[i])
			}
			return items, list.ResourceVersion, nil
		},
		Watch: func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().Pods(namespace).Watch(ctx, opts)
		},
	}
}

// Deployments describes a deployment mirror.
func Deployments(cs client.Interface, namespace, selector string) Descriptor[*appsv1.Deployment] {
	return Descriptor[*appsv1.Deployment]{
		Kind:          "deployments",
		LabelSelector: selector,
		List: func(ctx context.Context, opts metav1.ListOptions) ([]*appsv1.Deployment, string, error) {
			list, err := cs.AppsV1().Deployments(namespace).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			items := make([]*appsv1.Deployment, 0, len(list.Items))
			for i := range list.Items {
				items = append(items, &list.Items[i])
			}
			return items, list.ResourceVersion, nil
		},
		Watch: func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.AppsV1().Deployments(namespace).Watch(ctx, opts)
		},
	}
}

// Services describes a service mirror.
func Services(cs client.Interface, namespace, selector string) Descriptor[*corev1.Service] {
	return Descriptor[*corev1.Service]{
		Kind:          "services",
		LabelSelector: selector,
		List: func(ctx context.Context, opts metav1.ListOptions) ([]*corev1.Service, string, error) {
			list, err := cs.CoreV1().Services(namespace).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			items := make([]*corev1.Service, 0, len(list.Items))
			for i := range list.Items {
				items = append(items, &list.Items[i])
			}
			return items, list.ResourceVersion, nil
		},
		Watch: func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().Services(namespace).Watch(ctx, opts)
		},
	}
}

// Ingresses describes an ingress mirror.
func Ingresses(cs client.Interface, namespace, selector string) Descriptor[*networkingv1.Ingress] {
	return Descriptor[*networkingv1.Ingress]{
		Kind:          "ingresses",
		LabelSelector: selector,
		List: func(ctx context.Context, opts metav1.ListOptions) ([]*networkingv1.Ingress, string, error) {
			list, err := cs.NetworkingV1().Ingresses(namespace).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			items := make([]*networkingv1.Ingress, 0, len(list.Items))
			for i := range list.Items {
				items = append(items, &list.Items[i])
			}
			return items, list.ResourceVersion, nil
		},
		Watch: func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.NetworkingV1().Ingresses(namespace).Watch(ctx, opts)
		},
	}
}

// Claims describes a persistent volume claim mirror.
func Claims(cs client.Interface, namespace, selector string) Descriptor[*corev1.PersistentVolumeClaim] {
	return Descriptor[*corev1.PersistentVolumeClaim]{
		Kind:          "persistentvolumeclaims",
		LabelSelector: selector,
		List: func(ctx context.Context, opts metav1.ListOptions) ([]*corev1.PersistentVolumeClaim, string, error) {
			list, err := cs.CoreV1().PersistentVolumeClaims(namespace).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			items := make([]*corev1.PersistentVolumeClaim, 0, len(list.Items))
			for i := range list.Items {
				items = append(items, &list.Items[i])
			}
			return items, list.ResourceVersion, nil
		},
		Watch: func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().PersistentVolumeClaims(namespace).Watch(ctx, opts)
		},
	}
}

// Endpoints describes an endpoints mirror, used for the manually wired
// address records behind registered routes.
func Endpoints(cs client.Interface, namespace, selector string) Descriptor[*corev1.Endpoints] {
	return Descriptor[*corev1.Endpoints]{
		Kind:          "endpoints",
		LabelSelector: selector,
		List: func(ctx context.Context, opts metav1.ListOptions) ([]*corev1.Endpoints, string, error) {
			list, err := cs.CoreV1().Endpoints(namespace).List(ctx, opts)
			if err != nil {
				return nil, "", err
			}
			items := make([]*corev1.Endpoints, 0, len(list.Items))
			for i := range list.Items {
				items = append(items, &list.Items[i])
			}
			return items, list.ResourceVersion, nil
		},
		Watch: func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
			return cs.CoreV1().Endpoints(namespace).Watch(ctx, opts)
		},
	}
}
