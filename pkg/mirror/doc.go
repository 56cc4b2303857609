// Package mirror maintains local, eventually-consistent caches of cluster
// objects using list-then-watch semantics.
//
// One Mirror instance tracks one object kind under one label selector. It
// performs a full list, replaces its map atomically, then applies watch
// events until the stream fails, at which point it resyncs with exponential
// backoff. When the backoff cap is exceeded the mirror calls its exhaustion
// callback and halts rather than spinning forever; the owner is expected to
// treat the cache as unusable and restart it.
//
// The mirror offers no read-after-write guarantee for writes issued by
// other components. Callers bridging that gap poll Get until the object
// they just created becomes visible.
package mirror
