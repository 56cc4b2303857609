package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

const (
	// DefaultBaseDelay is the initial resync backoff delay.
	DefaultBaseDelay = 100 * time.Millisecond

	// DefaultMaxDelay caps the resync backoff. A failure that would push
	// the delay past this cap exhausts the mirror instead.
	DefaultMaxDelay = 30 * time.Second
)

// ErrNotSynced is returned by WaitForSync when the context expires before
// the initial list completes.
var ErrNotSynced = errors.New("mirror: initial sync not complete")

// ExhaustedError reports that the resync backoff cap was exceeded and the
// mirror halted. Its cache is stale from that point on; the owner should
// rebuild the mirror rather than keep serving from it.
type ExhaustedError struct {
	Kind string
	Err  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s mirror exhausted: %v", e.Kind, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Descriptor tells a Mirror how to list and watch one object kind. The
// same generic machinery serves every kind; per-kind behavior lives
// entirely in the descriptor (composition, not per-kind subtypes).
type Descriptor[T metav1.Object] struct {
	// Kind names the object kind for logs and metrics, e.g. "pods".
	Kind string

	// List returns the current objects and the list-level resource
	// version used to start the subsequent watch.
	List func(ctx context.Context, opts metav1.ListOptions) ([]T, string, error)

	// Watch opens a watch stream from opts.ResourceVersion.
	Watch func(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error)

	// LabelSelector restricts both list and watch. Optional.
	LabelSelector string
}

// Options tunes a Mirror.
type Options struct {
	// BaseDelay is the initial resync backoff. Defaults to DefaultBaseDelay.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Defaults to DefaultMaxDelay.
	MaxDelay time.Duration

	// OnExhausted is called exactly once if the backoff cap is exceeded.
	// The mirror has halted by the time it fires; its cache must be
	// considered stale. Optional.
	OnExhausted func(error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Mirror is a local cache of one object kind, keyed by namespace/name,
// kept in sync by a list-then-watch loop. All map mutation happens on the
// mirror's own goroutine; readers get point-in-time lookups and snapshots.
type Mirror[T metav1.Object] struct {
	desc   Descriptor[T]
	opts   Options
	logger *slog.Logger

	mu              sync.RWMutex
	items           map[string]T
	resourceVersion string

	synced  chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// New constructs a Mirror from a descriptor. Call Start to begin syncing.
func New[T metav1.Object](desc Descriptor[T], opts Options) *Mirror[T] {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror[T]{
		desc:   desc,
		opts:   opts,
		logger: logger.With("kind", desc.Kind),
		items:  make(map[string]T),
		synced: make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Key builds the map key for a namespace and name.
func Key(namespace, name string) string {
	return namespace + "/" + name
}

// Start performs the initial list and launches the watch loop. It returns
// an error if the initial list fails; the mirror is unusable in that case
// and may be constructed again.
func (m *Mirror[T]) Start(ctx context.Context) error {
	if err := m.relist(ctx); err != nil {
		return fmt.Errorf("initial %s list failed: %w", m.desc.Kind, err)
	}
	close(m.synced)
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop requests cooperative shutdown and waits for the watch loop to exit.
// Safe to call more than once, and safe against a concurrent Start.
func (m *Mirror[T]) Stop() {
	m.mu.Lock()
	started := m.started
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

// WaitForSync blocks until the first full list has been applied.
func (m *Mirror[T]) WaitForSync(ctx context.Context) error {
	select {
	case <-m.synced:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotSynced, ctx.Err())
	}
}

// Synced returns a channel closed once the first full list has been
// applied. Every waiter may receive the signal.
func (m *Mirror[T]) Synced() <-chan struct{} {
	return m.synced
}

// Get returns the cached object for namespace/name.
func (m *Mirror[T]) Get(namespace, name string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.items[Key(namespace, name)]
	return obj, ok
}

// Snapshot returns the current cached objects. The slice is owned by the
// caller; the objects are shared and must not be mutated.
func (m *Mirror[T]) Snapshot() []T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]T, 0, len(m.items))
	for _, obj := range m.items {
		out = append(out, obj)
	}
	return out
}

// run is the resync loop: watch until failure, back off, relist, repeat.
// The delay resets to base whenever a watch stream was successfully
// established; consecutive establishment failures double it until the cap
// is exceeded, which exhausts the mirror.
func (m *Mirror[T]) run(ctx context.Context) {
	defer close(m.done)

	delay := m.opts.BaseDelay
	for {
		established, err := m.watchOnce(ctx)
		if err == nil {
			return // cooperative stop
		}
		if established {
			delay = m.opts.BaseDelay
		}
		watchFailures.WithLabelValues(m.desc.Kind).Inc()
		m.logger.Warn("watch stream failed, resyncing", "error", err, "delay", delay)

		for {
			if delay > m.opts.MaxDelay {
				m.exhaust(err)
				return
			}
			if !m.sleep(ctx, delay) {
				return
			}
			delay *= 2

			if lerr := m.relist(ctx); lerr != nil {
				if ctx.Err() != nil || m.stopped() {
					return
				}
				err = lerr
				m.logger.Warn("resync list failed", "error", err, "delay", delay)
				continue
			}
			resyncs.WithLabelValues(m.desc.Kind).Inc()
			break
		}
	}
}

// watchOnce opens one watch stream and applies its events. It reports
// whether the stream was established, and returns nil only on cooperative
// stop or context cancellation.
func (m *Mirror[T]) watchOnce(ctx context.Context) (bool, error) {
	opts := metav1.ListOptions{
		LabelSelector:       m.desc.LabelSelector,
		ResourceVersion:     m.watermark(),
		AllowWatchBookmarks: true,
	}
	w, err := m.desc.Watch(ctx, opts)
	if err != nil {
		if ctx.Err() != nil || m.stopped() {
			return false, nil
		}
		return false, fmt.Errorf("failed to open watch: %w", err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-m.stop:
			return true, nil
		case event, ok := <-w.ResultChan():
			if !ok {
				return true, errors.New("watch channel closed")
			}
			if err := m.apply(event); err != nil {
				return true, err
			}
		}
	}
}

// apply folds one watch event into the cache.
func (m *Mirror[T]) apply(event watch.Event) error {
	if event.Type == watch.Error {
		return fmt.Errorf("watch error event: %w", apierrors.FromObject(event.Object))
	}

	obj, ok := event.Object.(T)
	if !ok {
		// Foreign object on the stream; skip rather than poison the cache.
		m.logger.Warn("unexpected object type on watch stream", "event", string(event.Type))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case watch.Added, watch.Modified:
		m.items[Key(obj.GetNamespace(), obj.GetName())] = obj
	case watch.Deleted:
		delete(m.items, Key(obj.GetNamespace(), obj.GetName()))
	case watch.Bookmark:
		// Watermark advance only.
	}
	if rv := obj.GetResourceVersion(); rv != "" {
		m.resourceVersion = rv
	}
	eventsApplied.WithLabelValues(m.desc.Kind, string(event.Type)).Inc()
	cachedObjects.WithLabelValues(m.desc.Kind).Set(float64(len(m.items)))
	return nil
}

// relist replaces the whole cache from a fresh list and advances the
// watermark to the list-level resource version.
func (m *Mirror[T]) relist(ctx context.Context) error {
	items, rv, err := m.desc.List(ctx, metav1.ListOptions{LabelSelector: m.desc.LabelSelector})
	if err != nil {
		return err
	}

	next := make(map[string]T, len(items))
	for _, obj := range items {
		next[Key(obj.GetNamespace(), obj.GetName())] = obj
	}

	m.mu.Lock()
	m.items = next
	m.resourceVersion = rv
	m.mu.Unlock()

	cachedObjects.WithLabelValues(m.desc.Kind).Set(float64(len(next)))
	return nil
}

func (m *Mirror[T]) exhaust(err error) {
	exhaustions.WithLabelValues(m.desc.Kind).Inc()
	m.logger.Error("resync backoff cap exceeded, mirror halted", "error", err)
	if m.opts.OnExhausted != nil {
		m.opts.OnExhausted(&ExhaustedError{Kind: m.desc.Kind, Err: err})
	}
}

// sleep waits for d, returning false if stopped or canceled first.
func (m *Mirror[T]) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-m.stop:
		return false
	}
}

func (m *Mirror[T]) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

func (m *Mirror[T]) watermark() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resourceVersion
}
