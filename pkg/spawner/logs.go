package spawner

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/ptr"

	"github.com/cartavis/sessiond/pkg/config"
)

// streamContainerLogs follows the backend pod's log stream into the
// session's ring. Process-mode sessions feed the ring directly from the
// child's pipes, so this is container mode only. Stream failures end the
// pump but never the session.
func (s *Spawner) streamContainerLogs(sess *session) {
	if s.cfg.Mode != config.ModeContainer || sess.podName == "" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess.addCleanup(cancel)

	req := s.bundle.Clientset.CoreV1().Pods(sess.namespace).GetLogs(sess.podName, &corev1.PodLogOptions{
		Follow:    true,
		TailLines: ptr.To(int64(s.cfg.LogLines)),
	})

	go func() {
		rc, err := req.Stream(ctx)
		if err != nil {
			s.logger.Warn("failed to open backend log stream",
				"user", sess.username, "pod", sess.podName, "error", err)
			return
		}
		defer rc.Close()
		sess.ring.Pump(rc)
	}()
}
