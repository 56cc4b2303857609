package mirror

import (
	"context"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// PollBackoff tunes the poll-until-visible loop that bridges the gap
// between "write accepted" and "object observable in the mirror".
type PollBackoff struct {
	Base    time.Duration
	Cap     time.Duration
	Timeout time.Duration
}

// DefaultPollBackoff matches the provisioning budgets: quick first checks,
// capped growth, bounded overall wait.
func DefaultPollBackoff() PollBackoff {
	return PollBackoff{
		Base:    200 * time.Millisecond,
		Cap:     5 * time.Second,
		Timeout: 10 * time.Second,
	}
}

// WaitVisible polls the mirror until namespace/name appears. It returns
// (true, nil) once visible, (false, nil) when the timeout budget expires
// first, and (false, ctx.Err()) on cancellation. Mapping a timeout to a
// caller-facing failure is the caller's business.
func WaitVisible[T metav1.Object](ctx context.Context, m *Mirror[T], namespace, name string, b PollBackoff) (bool, error) {
	if b.Base <= 0 || b.Cap <= 0 || b.Timeout <= 0 {
		b = DefaultPollBackoff()
	}

	deadline := time.Now().Add(b.Timeout)
	delay := b.Base
	for {
		if _, ok := m.Get(namespace, name); ok {
			return true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if delay > remaining {
			delay = remaining
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		}

		delay *= 2
		if delay > b.Cap {
			delay = b.Cap
		}
	}
}
