package procman

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartavis/sessiond/pkg/logbuf"
)

func TestStartValidation(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(0, nil)

	_, err := s.Start(Spec{})
	assert.Error(t, err)

	_, err = s.Start(Spec{Command: []string{"true"}, RunAsUser: true})
	assert.Error(t, err, "run-as-user without a username must fail")
}

func TestProcessExit(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(time.Second, nil)
	p, err := s.Start(Spec{Command: []string{"true"}})
	require.NoError(t, err)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.False(t, p.Running())
	assert.NoError(t, p.ExitErr())
}

func TestProcessOutputFeedsRing(t *testing.T) {
	t.Parallel()

	ring := logbuf.NewRing(10)
	s := NewSupervisor(time.Second, nil)
	p, err := s.Start(Spec{
		Command: []string{"sh", "-c", "echo started; echo listening"},
		Stdout:  logbuf.NewLineWriter(ring),
	})
	require.NoError(t, err)

	<-p.Done()
	assert.Equal(t, []string{"started", "listening"}, ring.Tail(0))
}

func TestStopGraceful(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(5*time.Second, nil)
	p, err := s.Start(Spec{Command: []string{"sleep", "30"}})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop(context.Background()))
	assert.Less(t, time.Since(start), 3*time.Second, "sleep should die on SIGTERM without the grace window")
	assert.False(t, p.Running())
}

func TestStopForceKillsAfterGrace(t *testing.T) {
	t.Parallel()

	// Backend that ignores SIGTERM; only the force kill can end it.
	s := NewSupervisor(200*time.Millisecond, nil)
	p, err := s.Start(Spec{Command: []string{"sh", "-c", "trap '' TERM; sleep 30"}})
	require.NoError(t, err)

	// Give the shell a moment to install its trap.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.False(t, p.Running())
}

func TestStopAlreadyExited(t *testing.T) {
	t.Parallel()

	s := NewSupervisor(time.Second, nil)
	p, err := s.Start(Spec{Command: []string{"true"}})
	require.NoError(t, err)
	<-p.Done()

	assert.NoError(t, p.Stop(context.Background()))
}
