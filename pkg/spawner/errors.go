package spawner

import (
	"errors"

	"github.com/cartavis/sessiond/pkg/k8s/client"
)

// ErrNoSession is returned by read operations when no session is known for
// the user.
var ErrNoSession = errors.New("no session for user")

// ErrNotReady is returned by GetProxyTarget when a session exists but is
// not fully ready; proxying to it would hit a dead or half-started
// endpoint.
var ErrNotReady = errors.New("session is not ready")

// ProvisioningTimeoutError is an alias for the classified timeout in
// pkg/k8s/client, kept here so spawner callers need only this package.
type ProvisioningTimeoutError = client.ProvisioningTimeoutError

// IsProvisioningTimeout reports whether err is a provisioning timeout.
func IsProvisioningTimeout(err error) bool {
	return client.IsProvisioningTimeout(err)
}
