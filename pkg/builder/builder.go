package builder

import (
	"fmt"
	"sort"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"

	"github.com/cartavis/sessiond/pkg/naming"
)

const (
	// Product is the label value grouping every object this system owns.
	Product = "carta"

	// AppLabelKey and UserLabelKey form the common label set shared by all
	// objects of one session. The set doubles as the watch selector.
	AppLabelKey  = "app"
	UserLabelKey = "user"

	// namePrefix leads every derived object name.
	namePrefix = Product + "-"

	// routeSuffix, serviceSuffix, claimSuffix distinguish the object kinds
	// sharing one session's base name.
	claimSuffix   = "-data"
	serviceSuffix = "-svc"
	routeSuffix   = "-route"
)

// Labels returns the common label set for a user's session objects. The
// username is folded to a valid label value when necessary.
func Labels(username string) map[string]string {
	user := username
	if !naming.IsValidLabelValue(user) {
		derived, err := naming.DeriveName(user, naming.MaxNameLength, naming.DefaultHashLength)
		if err != nil {
			// Unreachable with the package's own constants; keep the raw
			// value rather than panic in a pure builder.
			derived = user
		}
		user = derived
	}
	return map[string]string{
		AppLabelKey:  Product,
		UserLabelKey: user,
	}
}

// Selector renders the common label set as a label selector string, sorted
// for determinism.
func Selector(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ","
		}
		s += k + "=" + labels[k]
	}
	return s
}

// SessionNames holds the derived object names for one session. Same
// username, same names: the derivation is deterministic, which is what
// makes repeated Start calls idempotent.
type SessionNames struct {
	Workload string
	Claim    string
	Service  string
	Route    string
}

// DeriveSessionNames derives the four object names from a username.
func DeriveSessionNames(username string) (SessionNames, error) {
	// Budget for the longest suffix so every variant stays within the
	// object-name limit.
	base, err := naming.DeriveName(namePrefix+username, naming.MaxNameLength-len(routeSuffix), naming.DefaultHashLength)
	if err != nil {
		return SessionNames{}, fmt.Errorf("failed to derive session names for %q: %w", username, err)
	}
	return SessionNames{
		Workload: base,
		Claim:    base + claimSuffix,
		Service:  base + serviceSuffix,
		Route:    base + routeSuffix,
	}, nil
}

// Namespace builds the namespace holding all session objects.
func Namespace(name string, labels map[string]string) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: labels,
		},
	}
}

// ClaimParams configures a storage claim.
type ClaimParams struct {
	Name         string
	Namespace    string
	Labels       map[string]string
	Size         resource.Quantity
	StorageClass string
	// ReadWriteMany requests a shared volume mountable by several
	// workloads at once (the shared data claim); the default is a
	// single-writer per-session volume.
	ReadWriteMany bool
}

// Claim builds a persistent volume claim.
func Claim(p ClaimParams) *corev1.PersistentVolumeClaim {
	mode := corev1.ReadWriteOnce
	if p.ReadWriteMany {
		mode = corev1.ReadWriteMany
	}

	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.Name,
			Namespace: p.Namespace,
			Labels:    p.Labels,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{mode},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: p.Size,
				},
			},
		},
	}
	if p.StorageClass != "" {
		claim.Spec.StorageClassName = ptr.To(p.StorageClass)
	}
	return claim
}

// WorkloadParams configures the single-replica session backend.
type WorkloadParams struct {
	Name      string
	Namespace string
	Labels    map[string]string
	Image     string
	Command   []string
	Args      []string
	Env       []corev1.EnvVar
	Port      int32

	// ClaimName mounts the session's storage claim at MountPath when set.
	ClaimName string
	MountPath string

	CPULimit    resource.Quantity
	MemoryLimit resource.Quantity
}

// Workload builds the session backend deployment: one replica, one
// container, recreate strategy so a restart never runs two backends against
// the same volume.
func Workload(p WorkloadParams) *appsv1.Deployment {
	container := corev1.Container{
		Name:    Product,
		Image:   p.Image,
		Command: p.Command,
		Args:    p.Args,
		Env:     p.Env,
		Ports: []corev1.ContainerPort{
			{Name: "backend", ContainerPort: p.Port, Protocol: corev1.ProtocolTCP},
		},
		ReadinessProbe: &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				TCPSocket: &corev1.TCPSocketAction{
					Port: intstr.FromInt32(p.Port),
				},
			},
			InitialDelaySeconds: 1,
			PeriodSeconds:       2,
		},
	}

	if !p.CPULimit.IsZero() || !p.MemoryLimit.IsZero() {
		limits := corev1.ResourceList{}
		if !p.CPULimit.IsZero() {
			limits[corev1.ResourceCPU] = p.CPULimit
		}
		if !p.MemoryLimit.IsZero() {
			limits[corev1.ResourceMemory] = p.MemoryLimit
		}
		container.Resources = corev1.ResourceRequirements{Limits: limits}
	}

	var volumes []corev1.Volume
	if p.ClaimName != "" {
		container.VolumeMounts = []corev1.VolumeMount{
			{Name: "data", MountPath: p.MountPath},
		}
		volumes = []corev1.Volume{
			{
				Name: "data",
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
						ClaimName: p.ClaimName,
					},
				},
			},
		}
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.Name,
			Namespace: p.Namespace,
			Labels:    p.Labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(1)),
			Selector: &metav1.LabelSelector{MatchLabels: p.Labels},
			Strategy: appsv1.DeploymentStrategy{
				Type: appsv1.RecreateDeploymentStrategyType,
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: p.Labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyAlways,
					Containers:    []corev1.Container{container},
					Volumes:       volumes,
				},
			},
		},
	}
}

// ServiceParams configures the session's cluster-internal service.
type ServiceParams struct {
	Name      string
	Namespace string
	Labels    map[string]string
	// Selector defaults to Labels when nil. A service built for a
	// registered route carries no selector at all (manual endpoints);
	// set Headless for that case.
	Selector   map[string]string
	Port       int32
	TargetPort int32
	Headless   bool
}

// Service builds the service fronting the session backend.
func Service(p ServiceParams) *corev1.Service {
	selector := p.Selector
	if selector == nil && !p.Headless {
		selector = p.Labels
	}

	target := p.TargetPort
	if target == 0 {
		target = p.Port
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.Name,
			Namespace: p.Namespace,
			Labels:    p.Labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: selector,
			Ports: []corev1.ServicePort{
				{
					Name:       "backend",
					Port:       p.Port,
					TargetPort: intstr.FromInt32(target),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
	if p.Headless {
		svc.Spec.ClusterIP = corev1.ClusterIPNone
	}
	return svc
}

// RouteParams configures the externally reachable route.
type RouteParams struct {
	Name         string
	Namespace    string
	Labels       map[string]string
	Host         string
	Path         string
	ServiceName  string
	ServicePort  int32
	IngressClass string
	TLS          bool
	TLSSecret    string
}

// Route builds the ingress mapping a host and path to the service.
func Route(p RouteParams) *networkingv1.Ingress {
	path := p.Path
	if path == "" {
		path = "/"
	}

	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.Name,
			Namespace: p.Namespace,
			Labels:    p.Labels,
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: p.Host,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     path,
									PathType: ptr.To(networkingv1.PathTypePrefix),
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: p.ServiceName,
											Port: networkingv1.ServiceBackendPort{Number: p.ServicePort},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	if p.IngressClass != "" {
		ingress.Spec.IngressClassName = ptr.To(p.IngressClass)
	}
	if p.TLS {
		ingress.Spec.TLS = []networkingv1.IngressTLS{
			{Hosts: []string{p.Host}, SecretName: p.TLSSecret},
		}
	}
	return ingress
}

// AddressParams configures a manual address record for a service without a
// selector, pointing cluster traffic at an endpoint the orchestrator does
// not manage itself.
type AddressParams struct {
	Name      string
	Namespace string
	Labels    map[string]string
	IP        string
	Port      int32
}

// AddressRecord builds the endpoints object wiring a service to a fixed
// IP and port.
func AddressRecord(p AddressParams) *corev1.Endpoints {
	return &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.Name,
			Namespace: p.Namespace,
			Labels:    p.Labels,
		},
		Subsets: []corev1.EndpointSubset{
			{
				Addresses: []corev1.EndpointAddress{{IP: p.IP}},
				Ports: []corev1.EndpointPort{
					{Name: "backend", Port: p.Port, Protocol: corev1.ProtocolTCP},
				},
			},
		},
	}
}
