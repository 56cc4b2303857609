package spawner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"

	"github.com/cartavis/sessiond/pkg/builder"
	"github.com/cartavis/sessiond/pkg/config"
	"github.com/cartavis/sessiond/pkg/k8s/client"
	"github.com/cartavis/sessiond/pkg/logbuf"
	"github.com/cartavis/sessiond/pkg/mirror"
	"github.com/cartavis/sessiond/pkg/ports"
	"github.com/cartavis/sessiond/pkg/procman"
)

// Spawner provisions and tears down per-user sessions.
type Spawner struct {
	cfg    *config.Config
	bundle *client.Bundle
	logger *slog.Logger

	registry   *ports.Registry
	supervisor *procman.Supervisor
	poll       mirror.PollBackoff

	claims    *mirror.Mirror[*corev1.PersistentVolumeClaim]
	workloads *mirror.Mirror[*appsv1.Deployment]
	services  *mirror.Mirror[*corev1.Service]
	routes    *mirror.Mirror[*networkingv1.Ingress]
	addresses *mirror.Mirror[*corev1.Endpoints]
	pods      *mirror.Mirror[*corev1.Pod]

	keys *keyedMutex

	mu       sync.RWMutex
	sessions map[string]*session

	failed chan error
}

// New constructs a Spawner. Call Run before any lifecycle operation so the
// mirrors have completed their first sync.
func New(cfg *config.Config, bundle *client.Bundle, logger *slog.Logger) (*Spawner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry, err := ports.NewRegistry(cfg.Ports.Min, cfg.Ports.Max)
	if err != nil {
		return nil, fmt.Errorf("invalid port configuration: %w", err)
	}

	s := &Spawner{
		cfg:        cfg,
		bundle:     bundle,
		logger:     logger,
		registry:   registry,
		supervisor: procman.NewSupervisor(cfg.Budgets.KillGrace, logger),
		poll: mirror.PollBackoff{
			Base:    mirror.DefaultPollBackoff().Base,
			Cap:     mirror.DefaultPollBackoff().Cap,
			Timeout: cfg.Budgets.Visibility,
		},
		keys:     newKeyedMutex(),
		sessions: make(map[string]*session),
		failed:   make(chan error, 1),
	}

	selector := builder.Selector(map[string]string{builder.AppLabelKey: builder.Product})
	opts := mirror.Options{Logger: logger, OnExhausted: s.noteExhausted}
	cs := bundle.Clientset
	ns := cfg.Namespace

	s.claims = mirror.New(mirror.Claims(cs, ns, selector), opts)
	s.workloads = mirror.New(mirror.Deployments(cs, ns, selector), opts)
	s.services = mirror.New(mirror.Services(cs, ns, selector), opts)
	s.routes = mirror.New(mirror.Ingresses(cs, ns, selector), opts)
	s.addresses = mirror.New(mirror.Endpoints(cs, ns, selector), opts)
	s.pods = mirror.New(mirror.Pods(cs, ns, selector), opts)

	return s, nil
}

// Run starts every mirror and re-adopts sessions left behind by a
// previous run. It fails fast if any initial list fails; the spawner is
// unusable in that case.
func (s *Spawner) Run(ctx context.Context) error {
	for _, start := range []func(context.Context) error{
		s.claims.Start,
		s.workloads.Start,
		s.services.Start,
		s.routes.Start,
		s.addresses.Start,
		s.pods.Start,
	} {
		if err := start(ctx); err != nil {
			return err
		}
	}

	if s.cfg.Mode == config.ModeContainer && !s.cfg.Tunnel {
		s.adoptExisting()
	}
	return nil
}

// adoptExisting rebuilds session state from workloads already on the
// cluster, so sessions survive daemon restarts. The auth token is
// recovered from the workload's environment. Process-mode sessions and
// tunneled backends cannot be re-adopted: their local half (child process,
// port forward) died with the previous daemon.
func (s *Spawner) adoptExisting() {
	for _, d := range s.workloads.Snapshot() {
		user := d.Labels[builder.UserLabelKey]
		if user == "" || s.lookup(user) != nil {
			continue
		}
		names, err := builder.DeriveSessionNames(user)
		if err != nil || names.Workload != d.Name {
			// Folded usernames cannot be derived back from the label;
			// those sessions are replaced by the next forced start.
			continue
		}

		var token string
		for _, c := range d.Spec.Template.Spec.Containers {
			for _, e := range c.Env {
				if e.Name == envAuthToken {
					token = e.Value
				}
			}
		}
		if token == "" {
			continue
		}

		sess := &session{
			username:  user,
			namespace: d.Namespace,
			names:     names,
			authToken: token,
			ring:      logbuf.NewRing(s.cfg.LogLines),
		}
		if pod := s.readyPod(builder.Labels(user)); pod != "" {
			sess.podName = pod
			sess.ready = true
			s.streamContainerLogs(sess)
		}
		s.store(sess)
		s.logger.Info("session adopted", "user", user, "ready", sess.ready)
	}
}

// Close stops every mirror cooperatively.
func (s *Spawner) Close() {
	s.claims.Stop()
	s.workloads.Stop()
	s.services.Stop()
	s.routes.Stop()
	s.addresses.Stop()
	s.pods.Stop()
}

// Failed delivers the first mirror exhaustion. The caches are stale once
// this fires; the owner should restart the whole spawner.
func (s *Spawner) Failed() <-chan error {
	return s.failed
}

func (s *Spawner) noteExhausted(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

// namespaceFor resolves the identity's namespace.
func (s *Spawner) namespaceFor(id Identity) string {
	if id.NamespaceHint != "" {
		return id.NamespaceHint
	}
	return s.cfg.Namespace
}

func (s *Spawner) lookup(username string) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[username]
}

func (s *Spawner) store(sess *session) {
	s.mu.Lock()
	s.sessions[sess.username] = sess
	s.mu.Unlock()
	activeSessions.Set(float64(s.count()))
}

func (s *Spawner) remove(username string) {
	s.mu.Lock()
	delete(s.sessions, username)
	s.mu.Unlock()
	activeSessions.Set(float64(s.count()))
}

func (s *Spawner) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
