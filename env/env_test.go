package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopkit/coopkit/agent/state"
	"github.com/coopkit/coopkit/coop"
)

func TestNewAgentTimeLimitedStateFiresThroughTimerService(t *testing.T) {
	e := New(nil)
	defer e.finishStop()

	root := state.NewRoot("root")
	waiting, err := state.NewChild(root, "waiting")
	require.NoError(t, err)
	timedOut, err := state.NewChild(root, "timed_out")
	require.NoError(t, err)
	waiting.TimeLimit(10*time.Millisecond, timedOut)

	a := e.NewAgent("watchdog", root)
	c := coop.New("watchdog-coop", nil)
	require.NoError(t, c.AddAgent(a, e.DefaultBinder()))
	require.NoError(t, c.Register())

	require.NoError(t, a.SwitchState(waiting))

	require.Eventually(t, func() bool {
		return a.State().Current() == timedOut
	}, time.Second, 5*time.Millisecond)

	assert.NoError(t, c.Deregister(true))
}

func TestStopGuardDefersShutdown(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.SetStopGuard("draining"))

	e.Stop()
	select {
	case <-e.onStop:
		t.Fatal("environment stopped before stop guard released")
	case <-time.After(20 * time.Millisecond):
	}

	e.ReleaseStopGuard("draining")
	select {
	case <-e.onStop:
	case <-time.After(time.Second):
		t.Fatal("environment never stopped after stop guard released")
	}
}
