package client

import (
	"errors"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// ErrorKind classifies an orchestrator API error into the conditions the
// session manager distinguishes. Classification happens once, here, so that
// retry-or-absorb decisions are not scattered across call sites.
type ErrorKind int

const (
	// ErrorNone means the call succeeded.
	ErrorNone ErrorKind = iota

	// ErrorAlreadyExists is a conflict on create. Recovered locally by
	// falling back to an update of the existing object.
	ErrorAlreadyExists

	// ErrorNotFound is a missing object on read or delete. Deletes treat
	// it as success, reads as an absence signal.
	ErrorNotFound

	// ErrorConflict is an optimistic-concurrency conflict on update
	// (stale resourceVersion).
	ErrorConflict

	// ErrorOther is anything else: auth failures, malformed requests,
	// server errors. Never retried by the core.
	ErrorOther
)

// Classify maps an API error to its ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorNone
	case apierrors.IsAlreadyExists(err):
		return ErrorAlreadyExists
	case apierrors.IsNotFound(err):
		return ErrorNotFound
	case apierrors.IsConflict(err):
		return ErrorConflict
	default:
		return ErrorOther
	}
}

// IgnoreAlreadyExists returns nil if the error is "already exists",
// otherwise returns the error. Used to make resource creation idempotent.
func IgnoreAlreadyExists(err error) error {
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

// IgnoreNotFound returns nil if the error is "not found", otherwise returns
// the error. Used to make resource deletion idempotent.
func IgnoreNotFound(err error) error {
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// ProvisioningTimeoutError reports that an object did not become visible,
// or a workload did not become ready, within its budget. It is an
// expected, actionable outcome: the caller may retry or surface it to the
// end user.
type ProvisioningTimeoutError struct {
	Kind      string
	Namespace string
	Name      string
	Budget    time.Duration
}

func (e *ProvisioningTimeoutError) Error() string {
	return fmt.Sprintf("%s %s/%s not observed within %v", e.Kind, e.Namespace, e.Name, e.Budget)
}

// IsProvisioningTimeout reports whether err is a provisioning timeout.
func IsProvisioningTimeout(err error) bool {
	var t *ProvisioningTimeoutError
	return errors.As(err, &t)
}
