package spawner

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"
	k8stesting "k8s.io/client-go/testing"

	"github.com/cartavis/sessiond/pkg/builder"
	"github.com/cartavis/sessiond/pkg/config"
	"github.com/cartavis/sessiond/pkg/k8s/client"
)

const testNamespace = "carta"

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Namespace = testNamespace
	cfg.Mode = config.ModeContainer
	cfg.Backend.Image = "ghcr.io/cartavis/backend:latest"
	cfg.Backend.Port = 3002
	cfg.Backend.MountPath = "/data"
	cfg.Storage.Size = "1Gi"
	cfg.Storage.SharedClaimName = ""
	cfg.Ingress.Enabled = false
	cfg.Tunnel = false
	cfg.Ports.Min = 42000
	cfg.Ports.Max = 42010
	cfg.Budgets.Visibility = 5 * time.Second
	cfg.Budgets.Startup = 2 * time.Second
	cfg.LogLines = 64
	return cfg
}

// newTestSpawner builds a spawner over a fake clientset and waits until
// every mirror's watch is registered, so writes made by the test are
// guaranteed to reach the caches.
func newTestSpawner(t *testing.T, cfg *config.Config, objs ...runtime.Object) (*Spawner, *fake.Clientset) {
	t.Helper()

	cs := fake.NewClientset(objs...)

	watching := make(chan struct{}, 16)
	cs.PrependWatchReactor("*", func(action k8stesting.Action) (bool, watch.Interface, error) {
		select {
		case watching <- struct{}{}:
		default:
		}
		return false, nil, nil
	})

	bundle := &client.Bundle{Clientset: cs, Config: &rest.Config{Host: "https://127.0.0.1:6443"}}
	s, err := New(cfg, bundle, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.Run(ctx))
	t.Cleanup(s.Close)

	for i := 0; i < 6; i++ {
		select {
		case <-watching:
		case <-time.After(5 * time.Second):
			t.Fatal("mirror watches not registered in time")
		}
	}
	return s, cs
}

func readyBackendPod(username string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "carta-" + username + "-0",
			Namespace: testNamespace,
			Labels:    builder.Labels(username),
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
			Conditions: []corev1.PodCondition{
				{Type: corev1.PodReady, Status: corev1.ConditionTrue},
			},
		},
	}
}

func TestStartContainerSession(t *testing.T) {
	s, cs := newTestSpawner(t, testConfig(), readyBackendPod("alice"))
	ctx := context.Background()

	res, err := s.Start(ctx, Identity{Username: "alice"}, StartOptions{})
	require.NoError(t, err)
	require.True(t, res.Ready)
	assert.False(t, res.Existing)
	require.NotNil(t, res.Target)
	assert.Equal(t, "carta-alice-svc.carta.svc", res.Target.Host)
	assert.Equal(t, 3002, res.Target.Port)
	assert.NotEmpty(t, res.Target.AuthToken)
	assert.Equal(t, res.Target.AuthToken, res.Target.Headers()[AuthHeader])

	for _, check := range []struct {
		kind string
		get  func() error
	}{
		{"deployment", func() error {
			_, err := cs.AppsV1().Deployments(testNamespace).Get(ctx, "carta-alice", metav1.GetOptions{})
			return err
		}},
		{"service", func() error {
			_, err := cs.CoreV1().Services(testNamespace).Get(ctx, "carta-alice-svc", metav1.GetOptions{})
			return err
		}},
		{"claim", func() error {
			_, err := cs.CoreV1().PersistentVolumeClaims(testNamespace).Get(ctx, "carta-alice-data", metav1.GetOptions{})
			return err
		}},
	} {
		assert.NoError(t, check.get(), check.kind)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	s, _ := newTestSpawner(t, testConfig(), readyBackendPod("alice"))
	ctx := context.Background()

	first, err := s.Start(ctx, Identity{Username: "alice"}, StartOptions{})
	require.NoError(t, err)
	require.True(t, first.Ready)

	second, err := s.Start(ctx, Identity{Username: "alice"}, StartOptions{})
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.True(t, second.Ready)
	assert.Equal(t, first.Target.AuthToken, second.Target.AuthToken,
		"existing session keeps its token")
}

func TestStartReplacesConflictingWorkload(t *testing.T) {
	stale := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "carta-alice",
			Namespace: testNamespace,
			Labels:    builder.Labels("alice"),
		},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "carta", Image: "old-image:1"}},
				},
			},
		},
	}
	s, cs := newTestSpawner(t, testConfig(), stale, readyBackendPod("alice"))
	ctx := context.Background()

	res, err := s.Start(ctx, Identity{Username: "alice"}, StartOptions{})
	require.NoError(t, err)
	require.True(t, res.Ready)

	live, err := cs.AppsV1().Deployments(testNamespace).Get(ctx, "carta-alice", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/cartavis/backend:latest", live.Spec.Template.Spec.Containers[0].Image)

	updates := 0
	for _, action := range cs.Actions() {
		if action.Matches("update", "deployments") {
			updates++
		}
	}
	assert.Equal(t, 1, updates, "conflict resolves with a single replace")
}

func TestStartFailsWhenReplaceFails(t *testing.T) {
	stale := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "carta-alice",
			Namespace: testNamespace,
			Labels:    builder.Labels("alice"),
		},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{Name: "carta", Image: "old-image:1"}},
				},
			},
		},
	}
	s, cs := newTestSpawner(t, testConfig(), stale, readyBackendPod("alice"))
	ctx := context.Background()

	cs.PrependReactor("update", "deployments", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewConflict(
			schema.GroupResource{Group: "apps", Resource: "deployments"},
			"carta-alice", errors.New("resourceVersion mismatch"))
	})

	_, err := s.Start(ctx, Identity{Username: "alice"}, StartOptions{})
	require.Error(t, err, "a failed replace must fail the start")
	assert.True(t, apierrors.IsConflict(err), "the cause stays classifiable through wrapping")

	_, err = s.Status(ctx, Identity{Username: "alice"})
	assert.ErrorIs(t, err, ErrNoSession, "no partial session is kept")
}

func TestForceRestartMintsNewToken(t *testing.T) {
	s, _ := newTestSpawner(t, testConfig(), readyBackendPod("alice"))
	ctx := context.Background()

	first, err := s.Start(ctx, Identity{Username: "alice"}, StartOptions{})
	require.NoError(t, err)

	second, err := s.Start(ctx, Identity{Username: "alice"}, StartOptions{ForceRestart: true})
	require.NoError(t, err)
	assert.False(t, second.Existing)
	assert.NotEqual(t, first.Target.AuthToken, second.Target.AuthToken)
}

func TestStartTimesOutWithoutReadyPod(t *testing.T) {
	cfg := testConfig()
	cfg.Budgets.Startup = 400 * time.Millisecond
	s, cs := newTestSpawner(t, cfg)
	ctx := context.Background()

	res, err := s.Start(ctx, Identity{Username: "bob"}, StartOptions{})
	require.NoError(t, err, "a startup timeout is a result, not an error")
	assert.False(t, res.Ready)
	assert.NotEmpty(t, res.Reason)

	// The partial provisioning is rolled back, but the storage claim
	// survives for the next attempt.
	_, err = cs.AppsV1().Deployments(testNamespace).Get(ctx, "carta-bob", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
	_, err = cs.CoreV1().PersistentVolumeClaims(testNamespace).Get(ctx, "carta-bob-data", metav1.GetOptions{})
	assert.NoError(t, err)

	_, err = s.Status(ctx, Identity{Username: "bob"})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestStartIgnoresTerminatingPod(t *testing.T) {
	cfg := testConfig()
	cfg.Budgets.Startup = 400 * time.Millisecond

	terminating := readyBackendPod("alice")
	now := metav1.Now()
	terminating.DeletionTimestamp = &now
	s, _ := newTestSpawner(t, cfg, terminating)

	res, err := s.Start(context.Background(), Identity{Username: "alice"}, StartOptions{})
	require.NoError(t, err)
	assert.False(t, res.Ready, "a draining pod from a torn-down session must not satisfy readiness")
}

func TestStopTearsDownSession(t *testing.T) {
	s, cs := newTestSpawner(t, testConfig(), readyBackendPod("alice"))
	ctx := context.Background()

	_, err := s.Start(ctx, Identity{Username: "alice"}, StartOptions{})
	require.NoError(t, err)

	// A service deleted behind our back must not fail the stop.
	require.NoError(t, cs.CoreV1().Services(testNamespace).Delete(ctx, "carta-alice-svc", metav1.DeleteOptions{}))

	require.NoError(t, s.Stop(ctx, Identity{Username: "alice"}))

	_, err = cs.AppsV1().Deployments(testNamespace).Get(ctx, "carta-alice", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))

	assert.ErrorIs(t, s.Stop(ctx, Identity{Username: "alice"}), ErrNoSession)
}

func TestStatusReadsWorkloadLive(t *testing.T) {
	s, cs := newTestSpawner(t, testConfig(), readyBackendPod("alice"))
	ctx := context.Background()

	_, err := s.Start(ctx, Identity{Username: "alice"}, StartOptions{})
	require.NoError(t, err)

	// Halt the workload cache, then delete the workload behind its back.
	// Status must notice the deletion anyway: it reads live, never from
	// the cache.
	s.workloads.Stop()
	require.NoError(t, cs.AppsV1().Deployments(testNamespace).
		Delete(ctx, "carta-alice", metav1.DeleteOptions{}))

	st, err := s.Status(ctx, Identity{Username: "alice"})
	require.NoError(t, err)
	assert.False(t, st.Running, "a dead workload must not report running")
	assert.True(t, st.Ready, "readiness reflects the tracked session state")
}

func TestGetProxyTarget(t *testing.T) {
	s, _ := newTestSpawner(t, testConfig(), readyBackendPod("alice"))
	ctx := context.Background()

	_, err := s.GetProxyTarget(Identity{Username: "alice"})
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = s.Start(ctx, Identity{Username: "alice"}, StartOptions{})
	require.NoError(t, err)

	target, err := s.GetProxyTarget(Identity{Username: "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, target.AuthToken)
}

func TestAdoptExistingSession(t *testing.T) {
	leftover := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "carta-alice",
			Namespace: testNamespace,
			Labels:    builder.Labels("alice"),
		},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "carta",
						Image: "ghcr.io/cartavis/backend:latest",
						Env:   []corev1.EnvVar{{Name: envAuthToken, Value: "recovered-token"}},
					}},
				},
			},
		},
	}
	s, _ := newTestSpawner(t, testConfig(), leftover, readyBackendPod("alice"))

	st, err := s.Status(context.Background(), Identity{Username: "alice"})
	require.NoError(t, err, "session must be adopted without a Start call")
	assert.True(t, st.Ready)

	target, err := s.GetProxyTarget(Identity{Username: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "recovered-token", target.AuthToken)
}

func TestPurgeData(t *testing.T) {
	s, cs := newTestSpawner(t, testConfig(), readyBackendPod("alice"))
	ctx := context.Background()

	_, err := s.Start(ctx, Identity{Username: "alice"}, StartOptions{})
	require.NoError(t, err)

	err = s.PurgeData(ctx, Identity{Username: "alice"})
	require.Error(t, err, "purge must be refused while the session is active")

	require.NoError(t, s.Stop(ctx, Identity{Username: "alice"}))
	require.NoError(t, s.PurgeData(ctx, Identity{Username: "alice"}))

	_, err = cs.CoreV1().PersistentVolumeClaims(testNamespace).Get(ctx, "carta-alice-data", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}
