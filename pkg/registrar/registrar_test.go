package registrar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/client-go/rest"
	k8stesting "k8s.io/client-go/testing"

	"github.com/cartavis/sessiond/pkg/k8s/client"
	"github.com/cartavis/sessiond/pkg/mirror"
)

const testNamespace = "carta"

func newTestRegistrar(t *testing.T) (*Registrar, *fake.Clientset) {
	t.Helper()

	cs := fake.NewClientset()

	watching := make(chan struct{}, 8)
	cs.PrependWatchReactor("*", func(action k8stesting.Action) (bool, watch.Interface, error) {
		select {
		case watching <- struct{}{}:
		default:
		}
		return false, nil, nil
	})

	bundle := &client.Bundle{Clientset: cs, Config: &rest.Config{}}
	r := New(bundle, Options{
		Namespace: testNamespace,
		Poll: mirror.PollBackoff{
			Base:    20 * time.Millisecond,
			Cap:     100 * time.Millisecond,
			Timeout: 5 * time.Second,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, r.Run(ctx))
	t.Cleanup(r.Close)

	for i := 0; i < 3; i++ {
		select {
		case <-watching:
		case <-time.After(5 * time.Second):
			t.Fatal("mirror watches not registered in time")
		}
	}
	return r, cs
}

func TestRegisterCreatesTrio(t *testing.T) {
	r, cs := newTestRegistrar(t)
	ctx := context.Background()

	target := Target{
		IP:   "10.0.0.7",
		Port: 4100,
		Host: "viz.example.org",
		Path: "/alice",
	}
	require.NoError(t, r.Register(ctx, "sessions/alice", target))

	serviceName, routeName, err := r.names("sessions/alice")
	require.NoError(t, err)

	ep, err := cs.CoreV1().Endpoints(testNamespace).Get(ctx, serviceName, metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, ep.Subsets, 1)
	assert.Equal(t, "10.0.0.7", ep.Subsets[0].Addresses[0].IP)
	assert.Equal(t, int32(4100), ep.Subsets[0].Ports[0].Port)

	svc, err := cs.CoreV1().Services(testNamespace).Get(ctx, serviceName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, svc.Spec.Selector, "manual endpoints require a selector-less service")
	assert.Equal(t, corev1.ClusterIPNone, svc.Spec.ClusterIP)

	ing, err := cs.NetworkingV1().Ingresses(testNamespace).Get(ctx, routeName, metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, ing.Spec.Rules, 1)
	assert.Equal(t, "viz.example.org", ing.Spec.Rules[0].Host)
	paths := ing.Spec.Rules[0].HTTP.Paths
	require.Len(t, paths, 1)
	assert.Equal(t, "/alice", paths[0].Path)
	assert.Equal(t, serviceName, paths[0].Backend.Service.Name)
}

func TestRegisterConverges(t *testing.T) {
	r, cs := newTestRegistrar(t)
	ctx := context.Background()

	target := Target{IP: "10.0.0.7", Port: 4100, Host: "viz.example.org"}
	require.NoError(t, r.Register(ctx, "sessions/alice", target))

	// Same spec, new address: the trio is replaced, never duplicated.
	target.IP = "10.0.0.9"
	require.NoError(t, r.Register(ctx, "sessions/alice", target))

	serviceName, _, err := r.names("sessions/alice")
	require.NoError(t, err)

	ep, err := cs.CoreV1().Endpoints(testNamespace).Get(ctx, serviceName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.9", ep.Subsets[0].Addresses[0].IP)

	eps, err := cs.CoreV1().Endpoints(testNamespace).List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, eps.Items, 1)
}

func TestDeregisterRemovesTrio(t *testing.T) {
	r, cs := newTestRegistrar(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, "sessions/alice", Target{IP: "10.0.0.7", Port: 4100, Host: "viz.example.org"}))
	require.NoError(t, r.Deregister(ctx, "sessions/alice"))

	serviceName, routeName, err := r.names("sessions/alice")
	require.NoError(t, err)

	_, err = cs.CoreV1().Endpoints(testNamespace).Get(ctx, serviceName, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
	_, err = cs.CoreV1().Services(testNamespace).Get(ctx, serviceName, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
	_, err = cs.NetworkingV1().Ingresses(testNamespace).Get(ctx, routeName, metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))
}

func TestDeregisterAbsorbsMissing(t *testing.T) {
	r, _ := newTestRegistrar(t)
	assert.NoError(t, r.Deregister(context.Background(), "never/registered"))
}

func TestNamesAreDeterministicAndSlugged(t *testing.T) {
	r, _ := newTestRegistrar(t)

	a1, b1, err := r.names("sessions/alice")
	require.NoError(t, err)
	a2, b2, err := r.names("sessions/alice")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Equal(t, b1, b2)

	a3, _, err := r.names("sessions/bob")
	require.NoError(t, err)
	assert.NotEqual(t, a1, a3)
}
