package spawner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/cartavis/sessiond/pkg/builder"
	"github.com/cartavis/sessiond/pkg/config"
	"github.com/cartavis/sessiond/pkg/k8s/client"
)

// Stop tears down the user's session: the backend process or workload,
// the published objects, and the tracked state. Object deletions are best
// effort and run in parallel; a missing object is not an error.
func (s *Spawner) Stop(ctx context.Context, id Identity) error {
	if err := s.keys.Lock(ctx, id.Username); err != nil {
		return err
	}
	defer s.keys.Unlock(id.Username)

	sess := s.lookup(id.Username)
	if sess == nil {
		return ErrNoSession
	}

	s.teardown(ctx, sess)
	s.remove(id.Username)
	stopsTotal.WithLabelValues(outcomeOK).Inc()
	s.logger.Info("session stopped", "user", id.Username)
	return nil
}

// StopAll stops every tracked session. Used during shutdown.
func (s *Spawner) StopAll(ctx context.Context) {
	s.mu.RLock()
	users := make([]string, 0, len(s.sessions))
	for u := range s.sessions {
		users = append(users, u)
	}
	s.mu.RUnlock()

	for _, u := range users {
		if err := s.Stop(ctx, Identity{Username: u}); err != nil && err != ErrNoSession {
			s.logger.Warn("failed to stop session", "user", u, "error", err)
		}
	}
}

// PurgeData deletes the user's storage claim, discarding data that
// otherwise persists across sessions. Refused while a session is active.
func (s *Spawner) PurgeData(ctx context.Context, id Identity) error {
	if err := s.keys.Lock(ctx, id.Username); err != nil {
		return err
	}
	defer s.keys.Unlock(id.Username)

	if s.lookup(id.Username) != nil {
		return fmt.Errorf("session for %q is active, stop it first", id.Username)
	}
	names, err := builder.DeriveSessionNames(id.Username)
	if err != nil {
		return err
	}
	return s.deleteClaim(ctx, s.namespaceFor(id), names.Claim)
}

// Status reports the user's session state. In container mode the workload
// is read live from the cluster, not from the mirror: a stale or halted
// cache must not report a deleted workload as running and mislead a caller
// into proxying to a dead endpoint.
func (s *Spawner) Status(ctx context.Context, id Identity) (*Status, error) {
	sess := s.lookup(id.Username)
	if sess == nil {
		return nil, ErrNoSession
	}

	st := &Status{Ready: sess.ready}
	switch s.cfg.Mode {
	case config.ModeContainer:
		_, err := s.bundle.Clientset.AppsV1().Deployments(sess.namespace).
			Get(ctx, sess.names.Workload, metav1.GetOptions{})
		switch client.Classify(err) {
		case client.ErrorNone:
			st.Running = true
		case client.ErrorNotFound:
			st.Running = false
		default:
			return nil, fmt.Errorf("failed to read workload %s/%s: %w",
				sess.namespace, sess.names.Workload, err)
		}
	default:
		st.Running = sess.proc != nil && sess.proc.Running()
	}
	if sess.ready {
		st.Target = s.target(sess)
	}
	return st, nil
}

// Logs returns up to n trailing backend log lines.
func (s *Spawner) Logs(id Identity, n int) ([]string, error) {
	sess := s.lookup(id.Username)
	if sess == nil {
		return nil, ErrNoSession
	}
	return sess.ring.Tail(n), nil
}

// GetProxyTarget returns where proxied traffic for the user should go.
func (s *Spawner) GetProxyTarget(id Identity) (*ProxyTarget, error) {
	sess := s.lookup(id.Username)
	if sess == nil {
		return nil, ErrNoSession
	}
	if !sess.ready {
		return nil, ErrNotReady
	}
	return s.target(sess), nil
}

// teardown releases a session's local resources and deletes its cluster
// objects. Local cleanup (process, tunnel, ports) runs first so nothing
// holds the backend open while objects disappear.
func (s *Spawner) teardown(ctx context.Context, sess *session) {
	sess.runCleanup()
	s.deleteObjects(ctx, sess)
}

// deleteObjects removes the session's cluster objects in parallel. Every
// delete absorbs not-found; other failures are logged and counted, never
// fatal, since a half-deleted session is recovered by the next forced
// start.
func (s *Spawner) deleteObjects(ctx context.Context, sess *session) {
	ns := sess.namespace
	names := sess.names

	type del struct {
		kind string
		fn   func() error
	}
	deletes := []del{
		{"route", func() error { return s.deleteRoute(ctx, ns, names.Route) }},
		{"service", func() error { return s.deleteService(ctx, ns, names.Service) }},
	}
	if s.cfg.Mode == config.ModeContainer {
		// The storage claim survives the session so user data persists
		// across restarts; the claim is reused by the next start.
		deletes = append(deletes,
			del{"workload", func() error { return s.deleteWorkload(ctx, ns, names.Workload) }},
		)
	} else {
		deletes = append(deletes,
			del{"endpoints", func() error { return s.deleteAddressRecord(ctx, ns, names.Service) }},
		)
	}

	var g errgroup.Group
	for _, d := range deletes {
		g.Go(func() error {
			if err := d.fn(); err != nil {
				s.logger.Warn("failed to delete session object",
					"user", sess.username, "kind", d.kind, "error", err)
				stopsTotal.WithLabelValues(outcomeError).Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
}
