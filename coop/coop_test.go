package coop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coopkit/coopkit/agent"
	"github.com/coopkit/coopkit/disp/activeobj"
)

func TestRegisterRunsEvtStartBeforeDeregisterRunsEvtFinish(t *testing.T) {
	binder := activeobj.New("test")
	defer binder.Shutdown()

	a := agent.New()
	c := New("root", nil)
	require.NoError(t, c.AddAgent(a, binder))

	started := make(chan struct{})
	a.EvtStart(func() error { close(started); return nil })
	require.NoError(t, c.Register())

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("evt_start never ran")
	}

	require.NoError(t, c.Deregister(false))
	assert.True(t, a.IsDeactivated())
}

func TestDeregisterRefusesWhileReferenced(t *testing.T) {
	binder := activeobj.New("test")
	defer binder.Shutdown()

	a := agent.New()
	c := New("root", nil)
	require.NoError(t, c.AddAgent(a, binder))
	require.NoError(t, c.Register())

	c.IncRef()
	err := c.Deregister(false)
	require.Error(t, err)

	c.DecRef()
	require.NoError(t, c.Deregister(false))
}

func TestRegisteredChildPinsParentUsageCount(t *testing.T) {
	binder := activeobj.New("test")
	defer binder.Shutdown()

	parent := New("parent", nil)
	require.NoError(t, parent.AddAgent(agent.New(), binder))
	require.NoError(t, parent.Register())

	child := New("child", parent)
	require.NoError(t, child.AddAgent(agent.New(), binder))
	require.NoError(t, child.Register())

	err := parent.Deregister(false)
	require.Error(t, err, "a registered child must still pin the parent's usage_count")

	require.NoError(t, child.Deregister(false))
	require.NoError(t, parent.Deregister(false))
}

type fakeStoppingChecker struct{ stopping bool }

func (f fakeStoppingChecker) Stopping() bool { return f.stopping }

func TestRegisterFailsOnceOwningEnvironmentIsStopping(t *testing.T) {
	binder := activeobj.New("test")
	defer binder.Shutdown()

	c := New("root", nil)
	c.SetStoppingChecker(fakeStoppingChecker{stopping: true})
	require.NoError(t, c.AddAgent(agent.New(), binder))

	err := c.Register()
	require.Error(t, err)
	assert.False(t, c.IsRegistered())
}

func TestRegisterChildInheritsParentStoppingChecker(t *testing.T) {
	binder := activeobj.New("test")
	defer binder.Shutdown()

	root := New("root", nil)
	root.SetStoppingChecker(fakeStoppingChecker{stopping: true})
	child := New("child", root)
	require.NoError(t, child.AddAgent(agent.New(), binder))

	err := child.Register()
	require.Error(t, err)
}
