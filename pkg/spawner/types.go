package spawner

import (
	"sync"

	"github.com/cartavis/sessiond/pkg/builder"
	"github.com/cartavis/sessiond/pkg/logbuf"
	"github.com/cartavis/sessiond/pkg/procman"
)

// AuthHeader carries the session's opaque token on every proxied request.
const AuthHeader = "X-Carta-Auth-Token"

// envAuthToken is the environment variable handing the token to the
// backend. Also read back during adoption after a daemon restart.
const envAuthToken = "CARTA_AUTH_TOKEN"

// Identity names the session owner. Immutable once a session is started;
// all object names derive deterministically from Username.
type Identity struct {
	Username string

	// NamespaceHint overrides the configured namespace. Optional.
	NamespaceHint string
}

// StartOptions modifies Start behavior.
type StartOptions struct {
	// ForceRestart tears down an existing session before starting anew.
	ForceRestart bool
}

// ProxyTarget is what a proxy or gateway needs to reach the session.
type ProxyTarget struct {
	Host      string
	Port      int
	AuthToken string
}

// Headers returns the headers that must accompany proxied requests.
func (t *ProxyTarget) Headers() map[string]string {
	return map[string]string{AuthHeader: t.AuthToken}
}

// SpawnResult is the outcome of a Start call. A result with Ready false
// and a Reason is an expected failure, not an error: the session did not
// come up within its budget.
type SpawnResult struct {
	Username string
	Existing bool
	Ready    bool
	Reason   string
	Target   *ProxyTarget
}

// Status is the read-only view of one session.
type Status struct {
	Running bool
	Ready   bool
	Target  *ProxyTarget
}

// session is the per-user runtime state. It is created on a successful
// Start, touched only inside the user's keyed-mutex section (with the
// sessions map lock guarding lookup), and destroyed on Stop or backend
// exit.
type session struct {
	username  string
	namespace string
	names     builder.SessionNames

	authToken string
	localPort int
	ready     bool

	ring *logbuf.Ring

	// proc is set in process mode.
	proc *procman.Process

	// podName is the observed backend pod in container mode.
	podName string

	// cleanup hooks run during teardown, last added first.
	cleanupMu sync.Mutex
	cleanup   []func()
}

func (s *session) addCleanup(fn func()) {
	s.cleanupMu.Lock()
	s.cleanup = append(s.cleanup, fn)
	s.cleanupMu.Unlock()
}

func (s *session) runCleanup() {
	s.cleanupMu.Lock()
	hooks := s.cleanup
	s.cleanup = nil
	s.cleanupMu.Unlock()
	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}
