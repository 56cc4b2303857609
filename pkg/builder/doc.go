// Package builder produces the declarative Kubernetes objects that make up
// one user session: storage claim, workload, service, route, and the manual
// address record used by registered proxy routes.
//
// Every function is pure: given the same names, labels and parameters it
// returns a structurally identical object, with no cluster access and no
// package state. Callers submit the results through the spawner's apply
// path; nothing here mutates objects after construction.
package builder
