// Package spawner is the session lifecycle manager. It provisions the set
// of cluster objects that make up one user's visualization backend session
// (storage claim, workload, service, route), waits for each to become
// observable and for the workload to become ready, and tears everything
// down again on request.
//
// Every mutating call follows the create-then-replace-on-conflict pattern
// from pkg/apply; every "has it appeared yet" check polls the per-kind
// resource mirrors rather than listing the cluster. Operations for the
// same user are serialized through a per-username section, so a Stop can
// never interleave with an in-flight Start for the same identity.
//
// Sessions run in one of two deployment modes: a cluster workload
// (container mode), or a local child process started under the user's
// system identity (process mode). Process-mode sessions that need an
// externally reachable route get the manual address-record wiring instead
// of a selector-backed service.
package spawner
