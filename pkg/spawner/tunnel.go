package spawner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"
)

// openTunnel forwards localPort to remotePort on the named pod. It returns
// once the forwarder is accepting connections, along with a stop function
// safe to call more than once. Used in container mode when sessiond runs
// outside the cluster and the service DNS name is not dialable.
func (s *Spawner) openTunnel(ctx context.Context, namespace, pod string, localPort, remotePort int) (func(), error) {
	transport, upgrader, err := spdy.RoundTripperFor(s.bundle.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to build spdy transport: %w", err)
	}

	target, err := url.Parse(s.bundle.Config.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid api server host %q: %w", s.bundle.Config.Host, err)
	}
	target.Path = fmt.Sprintf("/api/v1/namespaces/%s/pods/%s/portforward", namespace, pod)

	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, target)

	stopCh := make(chan struct{})
	readyCh := make(chan struct{})
	fw, err := portforward.New(dialer,
		[]string{fmt.Sprintf("%d:%d", localPort, remotePort)},
		stopCh, readyCh, io.Discard, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("failed to build port forwarder: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- fw.ForwardPorts() }()

	var once sync.Once
	stop := func() { once.Do(func() { close(stopCh) }) }

	select {
	case <-readyCh:
		return stop, nil
	case err := <-errCh:
		return nil, fmt.Errorf("port forward to %s/%s failed: %w", namespace, pod, err)
	case <-ctx.Done():
		stop()
		return nil, ctx.Err()
	}
}
