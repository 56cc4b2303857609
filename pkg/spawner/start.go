package spawner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/cartavis/sessiond/pkg/builder"
	"github.com/cartavis/sessiond/pkg/config"
	"github.com/cartavis/sessiond/pkg/logbuf"
	"github.com/cartavis/sessiond/pkg/mirror"
	"github.com/cartavis/sessiond/pkg/procman"
)

// Start provisions a session for the identity, or hands back the existing
// one. Calls for the same user serialize on a per-user mutex; a second
// Start while a session is already ready is answered from state without
// touching the cluster.
//
// A nil error with Ready false means the backend did not come up within
// the startup budget; the partial provisioning has been rolled back.
func (s *Spawner) Start(ctx context.Context, id Identity, opts StartOptions) (*SpawnResult, error) {
	if id.Username == "" {
		return nil, errors.New("username is required")
	}
	if err := s.keys.Lock(ctx, id.Username); err != nil {
		return nil, err
	}
	defer s.keys.Unlock(id.Username)

	began := time.Now()

	if existing := s.lookup(id.Username); existing != nil {
		if existing.ready && !opts.ForceRestart {
			spawnsTotal.WithLabelValues(outcomeExisting).Inc()
			return &SpawnResult{
				Username: id.Username,
				Existing: true,
				Ready:    true,
				Target:   s.target(existing),
			}, nil
		}
		// Forced restart, or a session whose backend has since died:
		// tear it down and start over.
		s.logger.Info("replacing existing session",
			"user", id.Username, "forced", opts.ForceRestart, "ready", existing.ready)
		s.teardown(ctx, existing)
		s.remove(id.Username)
	}

	names, err := builder.DeriveSessionNames(id.Username)
	if err != nil {
		spawnsTotal.WithLabelValues(outcomeError).Inc()
		return nil, err
	}
	labels := builder.Labels(id.Username)

	sess := &session{
		username:  id.Username,
		namespace: s.namespaceFor(id),
		names:     names,
		authToken: uuid.NewString(),
		ring:      logbuf.NewRing(s.cfg.LogLines),
	}

	if err := s.ensurePrerequisites(ctx, sess.namespace); err != nil {
		spawnsTotal.WithLabelValues(outcomeError).Inc()
		return nil, err
	}

	switch s.cfg.Mode {
	case config.ModeContainer:
		err = s.provisionContainer(ctx, sess, labels)
	default:
		err = s.provisionProcess(ctx, sess, labels)
	}
	if err != nil {
		sess.runCleanup()
		s.rollback(sess)
		spawnsTotal.WithLabelValues(outcomeError).Inc()
		return nil, err
	}

	ready, err := s.waitReady(ctx, sess, labels)
	if err != nil {
		sess.runCleanup()
		s.rollback(sess)
		spawnsTotal.WithLabelValues(outcomeError).Inc()
		return nil, err
	}
	if !ready {
		sess.runCleanup()
		s.rollback(sess)
		spawnsTotal.WithLabelValues(outcomeTimeout).Inc()
		return &SpawnResult{
			Username: id.Username,
			Reason:   fmt.Sprintf("backend not ready within %s", s.cfg.Budgets.Startup),
		}, nil
	}

	if err := s.connect(ctx, sess); err != nil {
		sess.runCleanup()
		s.rollback(sess)
		spawnsTotal.WithLabelValues(outcomeError).Inc()
		return nil, err
	}
	s.streamContainerLogs(sess)

	sess.ready = true
	s.store(sess)
	spawnsTotal.WithLabelValues(outcomeOK).Inc()
	spawnDuration.Observe(time.Since(began).Seconds())
	s.logger.Info("session ready",
		"user", id.Username, "mode", s.cfg.Mode, "elapsed", time.Since(began))

	return &SpawnResult{
		Username: id.Username,
		Ready:    true,
		Target:   s.target(sess),
	}, nil
}

// ensurePrerequisites creates the namespace and the shared data claim.
// Both are immutable once created, so existing objects are left alone.
func (s *Spawner) ensurePrerequisites(ctx context.Context, namespace string) error {
	common := map[string]string{builder.AppLabelKey: builder.Product}

	if err := s.ensureNamespace(ctx, builder.Namespace(namespace, common)); err != nil {
		return fmt.Errorf("failed to ensure namespace %q: %w", namespace, err)
	}

	if s.cfg.Storage.SharedClaimName == "" {
		return nil
	}
	shared := builder.Claim(builder.ClaimParams{
		Name:          s.cfg.Storage.SharedClaimName,
		Namespace:     namespace,
		Labels:        common,
		Size:          resource.MustParse(s.cfg.Storage.SharedSize),
		StorageClass:  s.cfg.Storage.StorageClass,
		ReadWriteMany: true,
	})
	if err := s.ensureClaim(ctx, namespace, shared); err != nil {
		return fmt.Errorf("failed to ensure shared claim %q: %w", s.cfg.Storage.SharedClaimName, err)
	}
	return nil
}

// provisionContainer creates the claim, workload, service and (optionally)
// route for a cluster-hosted backend, confirming each write in its mirror
// before moving on.
func (s *Spawner) provisionContainer(ctx context.Context, sess *session, labels map[string]string) error {
	cfg := s.cfg

	claim := builder.Claim(builder.ClaimParams{
		Name:         sess.names.Claim,
		Namespace:    sess.namespace,
		Labels:       labels,
		Size:         resource.MustParse(cfg.Storage.Size),
		StorageClass: cfg.Storage.StorageClass,
	})
	if err := s.ensureClaim(ctx, sess.namespace, claim); err != nil {
		return fmt.Errorf("failed to ensure claim: %w", err)
	}
	if err := awaitVisible(ctx, s, s.claims, sess.namespace, sess.names.Claim, "persistentvolumeclaim"); err != nil {
		return err
	}

	params := builder.WorkloadParams{
		Name:      sess.names.Workload,
		Namespace: sess.namespace,
		Labels:    labels,
		Image:     cfg.Backend.Image,
		Env: []corev1.EnvVar{
			{Name: envAuthToken, Value: sess.authToken},
		},
		Port:      cfg.Backend.Port,
		ClaimName: sess.names.Claim,
		MountPath: cfg.Backend.MountPath,
	}
	if len(cfg.Backend.Command) > 0 {
		params.Command = expandCommand(cfg.Backend.Command, sess.username, int(cfg.Backend.Port), cfg.Backend.MountPath)
	}
	if cfg.Backend.CPULimit != "" {
		params.CPULimit = resource.MustParse(cfg.Backend.CPULimit)
	}
	if cfg.Backend.MemoryLimit != "" {
		params.MemoryLimit = resource.MustParse(cfg.Backend.MemoryLimit)
	}
	if err := s.applyWorkload(ctx, sess.namespace, builder.Workload(params)); err != nil {
		return fmt.Errorf("failed to apply workload: %w", err)
	}
	if err := awaitVisible(ctx, s, s.workloads, sess.namespace, sess.names.Workload, "deployment"); err != nil {
		return err
	}

	svc := builder.Service(builder.ServiceParams{
		Name:      sess.names.Service,
		Namespace: sess.namespace,
		Labels:    labels,
		Port:      cfg.Backend.Port,
	})
	if err := s.applyService(ctx, sess.namespace, svc); err != nil {
		return fmt.Errorf("failed to apply service: %w", err)
	}
	if err := awaitVisible(ctx, s, s.services, sess.namespace, sess.names.Service, "service"); err != nil {
		return err
	}

	if !cfg.Ingress.Enabled {
		return nil
	}
	return s.provisionRoute(ctx, sess, labels)
}

// provisionProcess launches the backend as a local child process, then, if
// routing is enabled, publishes it to the cluster through an address
// record, a selector-less service and a route.
func (s *Spawner) provisionProcess(ctx context.Context, sess *session, labels map[string]string) error {
	cfg := s.cfg

	port, err := s.registry.Reserve()
	if err != nil {
		return fmt.Errorf("failed to reserve backend port: %w", err)
	}
	sess.localPort = port
	sess.addCleanup(func() { s.registry.Release(port) })

	proc, err := s.supervisor.Start(procman.Spec{
		Command:   expandCommand(cfg.Backend.Command, sess.username, port, "/home/"+sess.username),
		Username:  sess.username,
		RunAsUser: cfg.Backend.RunAsUser,
		Env:       []string{envAuthToken + "=" + sess.authToken},
		Stdout:    logbuf.NewLineWriter(sess.ring),
		Stderr:    logbuf.NewLineWriter(sess.ring),
	})
	if err != nil {
		return fmt.Errorf("failed to start backend for %q: %w", sess.username, err)
	}
	sess.proc = proc
	sess.addCleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Budgets.KillGrace+2*time.Second)
		defer cancel()
		if err := proc.Stop(stopCtx); err != nil {
			s.logger.Warn("failed to stop backend process", "user", sess.username, "error", err)
		}
	})
	go s.observeExit(sess)

	if !cfg.Ingress.Enabled {
		return nil
	}

	record := builder.AddressRecord(builder.AddressParams{
		Name:      sess.names.Service,
		Namespace: sess.namespace,
		Labels:    labels,
		IP:        cfg.Ingress.ExternalIP,
		Port:      int32(port),
	})
	if err := s.applyAddressRecord(ctx, sess.namespace, record); err != nil {
		return fmt.Errorf("failed to apply address record: %w", err)
	}
	if err := awaitVisible(ctx, s, s.addresses, sess.namespace, sess.names.Service, "endpoints"); err != nil {
		return err
	}

	svc := builder.Service(builder.ServiceParams{
		Name:       sess.names.Service,
		Namespace:  sess.namespace,
		Labels:     labels,
		Port:       cfg.Backend.Port,
		TargetPort: int32(port),
		Headless:   true,
	})
	if err := s.applyService(ctx, sess.namespace, svc); err != nil {
		return fmt.Errorf("failed to apply service: %w", err)
	}
	if err := awaitVisible(ctx, s, s.services, sess.namespace, sess.names.Service, "service"); err != nil {
		return err
	}

	return s.provisionRoute(ctx, sess, labels)
}

func (s *Spawner) provisionRoute(ctx context.Context, sess *session, labels map[string]string) error {
	cfg := s.cfg
	route := builder.Route(builder.RouteParams{
		Name:         sess.names.Route,
		Namespace:    sess.namespace,
		Labels:       labels,
		Host:         cfg.Ingress.Host,
		Path:         "/" + sess.names.Workload,
		ServiceName:  sess.names.Service,
		ServicePort:  cfg.Backend.Port,
		IngressClass: cfg.Ingress.Class,
		TLS:          cfg.Ingress.TLS,
		TLSSecret:    cfg.Ingress.TLSSecret,
	})
	if err := s.applyRoute(ctx, sess.namespace, route); err != nil {
		return fmt.Errorf("failed to apply route: %w", err)
	}
	return awaitVisible(ctx, s, s.routes, sess.namespace, sess.names.Route, "ingress")
}

// waitReady blocks until the backend accepts traffic or the startup budget
// runs out. False with a nil error is the budget case.
func (s *Spawner) waitReady(ctx context.Context, sess *session, labels map[string]string) (bool, error) {
	deadline := time.Now().Add(s.cfg.Budgets.Startup)
	delay := 200 * time.Millisecond

	for {
		if s.cfg.Mode == config.ModeContainer {
			if pod := s.readyPod(labels); pod != "" {
				sess.podName = pod
				return true, nil
			}
		} else {
			if !sess.proc.Running() {
				s.logger.Warn("backend exited during startup",
					"user", sess.username, "error", sess.proc.ExitErr())
				return false, nil
			}
			if dialOK(sess.localPort) {
				return true, nil
			}
		}

		if time.Now().After(deadline) {
			return false, nil
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		}
		delay *= 2
		if delay > 2*time.Second {
			delay = 2 * time.Second
		}
	}
}

// readyPod scans the pod mirror for a running, ready backend pod carrying
// the session's user label.
func (s *Spawner) readyPod(labels map[string]string) string {
	for _, pod := range s.pods.Snapshot() {
		if pod.Labels[builder.UserLabelKey] != labels[builder.UserLabelKey] {
			continue
		}
		// A pod from the torn-down predecessor can still report ready
		// while it drains.
		if pod.DeletionTimestamp != nil {
			continue
		}
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				return pod.Name
			}
		}
	}
	return ""
}

// connect establishes the local path to a container-mode backend: a port
// forward when tunneling is configured, nothing otherwise (the service DNS
// name is dialable in-cluster).
func (s *Spawner) connect(ctx context.Context, sess *session) error {
	if s.cfg.Mode != config.ModeContainer || !s.cfg.Tunnel {
		return nil
	}
	local, err := s.registry.Reserve()
	if err != nil {
		return fmt.Errorf("failed to reserve tunnel port: %w", err)
	}
	sess.localPort = local
	sess.addCleanup(func() { s.registry.Release(local) })

	stop, err := s.openTunnel(ctx, sess.namespace, sess.podName, local, int(s.cfg.Backend.Port))
	if err != nil {
		return fmt.Errorf("failed to open tunnel to %s/%s: %w", sess.namespace, sess.podName, err)
	}
	sess.addCleanup(stop)
	return nil
}

// observeExit flips the session out of ready when its backend process
// dies, so the next Start replaces it instead of short-circuiting.
func (s *Spawner) observeExit(sess *session) {
	<-sess.proc.Done()
	s.mu.Lock()
	cur := s.sessions[sess.username]
	if cur == sess {
		cur.ready = false
	}
	s.mu.Unlock()
	if cur == sess {
		s.logger.Info("backend exited",
			"user", sess.username, "error", sess.proc.ExitErr())
	}
}

// target describes how to reach the session. Process-mode backends and
// tunneled container backends are local; otherwise the service DNS name is
// the address.
func (s *Spawner) target(sess *session) *ProxyTarget {
	if s.cfg.Mode == config.ModeProcess || s.cfg.Tunnel {
		return &ProxyTarget{Host: "127.0.0.1", Port: sess.localPort, AuthToken: sess.authToken}
	}
	return &ProxyTarget{
		Host:      fmt.Sprintf("%s.%s.svc", sess.names.Service, sess.namespace),
		Port:      int(s.cfg.Backend.Port),
		AuthToken: sess.authToken,
	}
}

// rollback removes the cluster objects of a failed start. Best effort:
// errors are logged, the caller already has the primary failure.
func (s *Spawner) rollback(sess *session) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.deleteObjects(ctx, sess)
}

func awaitVisible[T metav1.Object](ctx context.Context, s *Spawner, m *mirror.Mirror[T], namespace, name, kind string) error {
	ok, err := mirror.WaitVisible(ctx, m, namespace, name, s.poll)
	if err != nil {
		return err
	}
	if !ok {
		return &ProvisioningTimeoutError{
			Kind:      kind,
			Namespace: namespace,
			Name:      name,
			Budget:    s.poll.Timeout,
		}
	}
	return nil
}

// expandCommand fills the command template's placeholders.
func expandCommand(template []string, username string, port int, folder string) []string {
	r := strings.NewReplacer(
		"{username}", username,
		"{port}", strconv.Itoa(port),
		"{folder}", folder,
	)
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = r.Replace(arg)
	}
	return out
}

func dialOK(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
