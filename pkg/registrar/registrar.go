// Package registrar publishes externally running backends to the cluster.
// A registration is always the same trio: an address record pointing at
// the backend's IP and port, a selector-less service over it, and a route
// exposing the service under a host and path. Registrations are keyed by
// an opaque route spec string; the object names are derived from it, so
// registering the same spec twice converges on the same objects.
package registrar

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/cartavis/sessiond/pkg/apply"
	"github.com/cartavis/sessiond/pkg/builder"
	"github.com/cartavis/sessiond/pkg/k8s/client"
	"github.com/cartavis/sessiond/pkg/mirror"
	"github.com/cartavis/sessiond/pkg/naming"
)

const (
	serviceSuffix = "-svc"
	routeSuffix   = "-route"
)

// Target is the backend a route spec resolves to.
type Target struct {
	// IP and Port locate the backend. The IP must be reachable from the
	// cluster's ingress controller.
	IP   string
	Port int32

	// Host and Path form the external address. Path defaults to "/".
	Host string
	Path string

	// ServicePort is the port the service exposes. Defaults to Port.
	ServicePort int32
}

// Options configures a Registrar.
type Options struct {
	Namespace    string
	IngressClass string
	TLS          bool
	TLSSecret    string

	// Poll tunes the visibility wait after each write. Zero values fall
	// back to mirror.DefaultPollBackoff.
	Poll mirror.PollBackoff

	Logger *slog.Logger
}

// Registrar registers and deregisters route trios.
type Registrar struct {
	bundle *client.Bundle
	opts   Options

	services  *mirror.Mirror[*corev1.Service]
	routes    *mirror.Mirror[*networkingv1.Ingress]
	addresses *mirror.Mirror[*corev1.Endpoints]
}

// New constructs a Registrar with its own mirrors over the namespace.
func New(bundle *client.Bundle, opts Options) *Registrar {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Poll.Base <= 0 || opts.Poll.Cap <= 0 || opts.Poll.Timeout <= 0 {
		opts.Poll = mirror.DefaultPollBackoff()
	}

	selector := builder.Selector(map[string]string{builder.AppLabelKey: builder.Product})
	mopts := mirror.Options{Logger: opts.Logger}
	cs := bundle.Clientset

	return &Registrar{
		bundle:    bundle,
		opts:      opts,
		services:  mirror.New(mirror.Services(cs, opts.Namespace, selector), mopts),
		routes:    mirror.New(mirror.Ingresses(cs, opts.Namespace, selector), mopts),
		addresses: mirror.New(mirror.Endpoints(cs, opts.Namespace, selector), mopts),
	}
}

// Run starts the registrar's mirrors.
func (r *Registrar) Run(ctx context.Context) error {
	for _, start := range []func(context.Context) error{
		r.services.Start,
		r.routes.Start,
		r.addresses.Start,
	} {
		if err := start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the registrar's mirrors.
func (r *Registrar) Close() {
	r.services.Stop()
	r.routes.Stop()
	r.addresses.Stop()
}

// names derives the service and route names for a route spec. The spec is
// an opaque string; anything invalid as an object name is slugged.
func (r *Registrar) names(routeSpec string) (service, route string, err error) {
	base, err := naming.CombineNames(
		[]string{builder.Product, routeSpec},
		naming.MaxNameLength-len(routeSuffix),
		naming.DefaultHashLength,
	)
	if err != nil {
		return "", "", fmt.Errorf("failed to derive names for route spec %q: %w", routeSpec, err)
	}
	return base + serviceSuffix, base + routeSuffix, nil
}

// Register publishes the target under the route spec: address record,
// selector-less service, route. Each write is confirmed in its mirror
// before the next one, so a successful return means the objects are
// observable.
func (r *Registrar) Register(ctx context.Context, routeSpec string, target Target) error {
	serviceName, routeName, err := r.names(routeSpec)
	if err != nil {
		return err
	}
	ns := r.opts.Namespace
	labels := map[string]string{builder.AppLabelKey: builder.Product}

	servicePort := target.ServicePort
	if servicePort == 0 {
		servicePort = target.Port
	}

	record := builder.AddressRecord(builder.AddressParams{
		Name:      serviceName,
		Namespace: ns,
		Labels:    labels,
		IP:        target.IP,
		Port:      target.Port,
	})
	if err := r.applyAddressRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to apply address record for %q: %w", routeSpec, err)
	}
	if err := waitVisible(ctx, r, r.addresses, serviceName, "endpoints"); err != nil {
		return err
	}

	svc := builder.Service(builder.ServiceParams{
		Name:       serviceName,
		Namespace:  ns,
		Labels:     labels,
		Port:       servicePort,
		TargetPort: target.Port,
		Headless:   true,
	})
	if err := r.applyService(ctx, svc); err != nil {
		return fmt.Errorf("failed to apply service for %q: %w", routeSpec, err)
	}
	if err := waitVisible(ctx, r, r.services, serviceName, "service"); err != nil {
		return err
	}

	route := builder.Route(builder.RouteParams{
		Name:         routeName,
		Namespace:    ns,
		Labels:       labels,
		Host:         target.Host,
		Path:         target.Path,
		ServiceName:  serviceName,
		ServicePort:  servicePort,
		IngressClass: r.opts.IngressClass,
		TLS:          r.opts.TLS,
		TLSSecret:    r.opts.TLSSecret,
	})
	if err := r.applyRoute(ctx, route); err != nil {
		return fmt.Errorf("failed to apply route for %q: %w", routeSpec, err)
	}
	if err := waitVisible(ctx, r, r.routes, routeName, "ingress"); err != nil {
		return err
	}

	r.opts.Logger.Info("route registered",
		"spec", routeSpec, "host", target.Host, "ip", target.IP, "port", target.Port)
	return nil
}

// Deregister removes the trio for the route spec. Deletions run in
// parallel and absorb not-found; the first other failure is returned.
func (r *Registrar) Deregister(ctx context.Context, routeSpec string) error {
	serviceName, routeName, err := r.names(routeSpec)
	if err != nil {
		return err
	}
	ns := r.opts.Namespace
	cs := r.bundle.Clientset

	var g errgroup.Group
	g.Go(func() error {
		return apply.Delete(ctx, r.bundle, routeName, func(ctx context.Context, name string) error {
			return cs.NetworkingV1().Ingresses(ns).Delete(ctx, name, metav1.DeleteOptions{})
		})
	})
	g.Go(func() error {
		return apply.Delete(ctx, r.bundle, serviceName, func(ctx context.Context, name string) error {
			return cs.CoreV1().Services(ns).Delete(ctx, name, metav1.DeleteOptions{})
		})
	})
	g.Go(func() error {
		return apply.Delete(ctx, r.bundle, serviceName, func(ctx context.Context, name string) error {
			return cs.CoreV1().Endpoints(ns).Delete(ctx, name, metav1.DeleteOptions{})
		})
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to deregister %q: %w", routeSpec, err)
	}

	r.opts.Logger.Info("route deregistered", "spec", routeSpec)
	return nil
}

func waitVisible[T metav1.Object](ctx context.Context, r *Registrar, m *mirror.Mirror[T], name, kind string) error {
	ok, err := mirror.WaitVisible(ctx, m, r.opts.Namespace, name, r.opts.Poll)
	if err != nil {
		return err
	}
	if !ok {
		return &client.ProvisioningTimeoutError{
			Kind:      kind,
			Namespace: r.opts.Namespace,
			Name:      name,
			Budget:    r.opts.Poll.Timeout,
		}
	}
	return nil
}

func (r *Registrar) applyAddressRecord(ctx context.Context, ep *corev1.Endpoints) error {
	api := r.bundle.Clientset.CoreV1().Endpoints(r.opts.Namespace)
	return apply.CreateOrReplace(ctx, r.bundle, ep,
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

func (r *Registrar) applyService(ctx context.Context, svc *corev1.Service) error {
	api := r.bundle.Clientset.CoreV1().Services(r.opts.Namespace)
	return apply.CreateOrReplace(ctx, r.bundle, svc,
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
			desired.Spec.ClusterIP = live.Spec.ClusterIP
			desired.Spec.ClusterIPs = live.Spec.ClusterIPs
		})
}

func (r *Registrar) applyRoute(ctx context.Context, ing *networkingv1.Ingress) error {
	api := r.bundle.Clientset.NetworkingV1().Ingresses(r.opts.Namespace)
	return apply.CreateOrReplace(ctx, r.bundle, ing,
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
